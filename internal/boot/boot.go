// Package boot drives the per-vCPU convergence barrier the VMM relies on
// to snapshot guest memory at a well-defined point.
//
// Every logical CPU writes BootConverged once from a thread pinned to that
// CPU, then ReadyForRequests is written once. Per-CPU writes are issued
// concurrently and never joined: ReadyForRequests may reach the VMM before
// some BootConverged writes land. Snapshots are taken out of band, so the
// guest does not wait for acknowledgment.
package boot

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/seantiz/snapguest/internal/portio"
)

// exit terminates the process on a failed per-CPU emission. Tests replace it.
var exit = os.Exit

// CPUs returns the ordered logical CPU ids the process may run on. It
// falls back to 0..runtime.NumCPU()-1 when the affinity mask is
// unavailable.
func CPUs() []int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil || set.Count() == 0 {
		return sequence(runtime.NumCPU())
	}

	n := set.Count()
	cpus := make([]int, 0, n)
	for id := 0; len(cpus) < n; id++ {
		if set.IsSet(id) {
			cpus = append(cpus, id)
		}
	}
	return cpus
}

func sequence(n int) []int {
	if n < 1 {
		n = 1
	}
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return cpus
}

// PinThread locks the calling goroutine to its OS thread and restricts
// that thread to cpu. The thread is never unlocked, so it is discarded
// when the goroutine exits.
func PinThread(cpu int) error {
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("pin thread to cpu %d: %w", cpu, err)
	}
	return nil
}

// Synchronizer emits the boot convergence and readiness signals.
type Synchronizer struct {
	emitter portio.Emitter
	logger  *slog.Logger

	// Pin binds the current goroutine to a CPU before it emits.
	Pin func(cpu int) error

	// OnError receives any per-CPU pin or emit failure. The default logs
	// and exits with status 1: serving without a converged boot is unsafe.
	OnError func(cpu int, err error)
}

// New creates a Synchronizer writing through emitter.
func New(emitter portio.Emitter, logger *slog.Logger) *Synchronizer {
	s := &Synchronizer{
		emitter: emitter,
		logger:  logger,
		Pin:     PinThread,
	}
	s.OnError = s.fatal
	return s
}

func (s *Synchronizer) fatal(cpu int, err error) {
	s.logger.Error("boot convergence failed", "cpu", cpu, "error", err)
	exit(1)
}

// Converge starts one task per CPU, each emitting BootConverged exactly
// once. It returns as soon as every task has been issued.
func (s *Synchronizer) Converge(cpus []int) {
	for _, cpu := range cpus {
		go s.converge(cpu)
	}
	s.logger.Debug("boot convergence issued", "cpus", len(cpus))
}

func (s *Synchronizer) converge(cpu int) {
	if s.Pin != nil {
		if err := s.Pin(cpu); err != nil {
			s.OnError(cpu, err)
			return
		}
	}
	if err := s.emitter.Emit(portio.BootConverged); err != nil {
		s.OnError(cpu, fmt.Errorf("cpu %d: %w", cpu, err))
	}
}

// Ready emits ReadyForRequests once from the calling goroutine.
func (s *Synchronizer) Ready() error {
	if err := s.emitter.Emit(portio.ReadyForRequests); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}
	s.logger.Info("ready for requests")
	return nil
}

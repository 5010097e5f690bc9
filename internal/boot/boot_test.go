package boot

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/snapguest/internal/portio"
)

// recorder counts emitted signals per value and per CPU.
type recorder struct {
	mu     sync.Mutex
	counts map[uint8]int
	fail   map[uint8]error
}

func newRecorder() *recorder {
	return &recorder{counts: make(map[uint8]int), fail: make(map[uint8]error)}
}

func (r *recorder) Emit(s portio.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[s.Value]; err != nil {
		return err
	}
	r.counts[s.Value]++
	return nil
}

func (r *recorder) count(v uint8) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[v]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pinRecorder replaces thread pinning and records which CPUs were visited.
type pinRecorder struct {
	mu   sync.Mutex
	cpus map[int]int
}

func (p *pinRecorder) pin(cpu int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cpus[cpu]++
	return nil
}

func (p *pinRecorder) visits() map[int]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]int, len(p.cpus))
	for k, v := range p.cpus {
		out[k] = v
	}
	return out
}

func TestConvergeEmitsOncePerCPU(t *testing.T) {
	for _, n := range []int{1, 2, 4, 16} {
		rec := newRecorder()
		pins := &pinRecorder{cpus: make(map[int]int)}

		s := New(rec, discardLogger())
		s.Pin = pins.pin
		s.OnError = func(cpu int, err error) { t.Errorf("cpu %d: %v", cpu, err) }

		cpus := sequence(n)
		s.Converge(cpus)
		require.NoError(t, s.Ready())

		require.Eventually(t, func() bool {
			return rec.count(portio.BootConverged.Value) == n
		}, time.Second, time.Millisecond, "cpus=%d", n)

		require.Equal(t, 1, rec.count(portio.ReadyForRequests.Value))

		visits := pins.visits()
		require.Len(t, visits, n)
		for _, cpu := range cpus {
			require.Equal(t, 1, visits[cpu], "cpu %d pinned", cpu)
		}
	}
}

func TestConvergeFailureReportsError(t *testing.T) {
	rec := newRecorder()
	rec.fail[portio.BootConverged.Value] = errors.New("port rejected")

	errs := make(chan error, 2)
	s := New(rec, discardLogger())
	s.Pin = func(int) error { return nil }
	s.OnError = func(_ int, err error) { errs <- err }

	s.Converge([]int{0, 1})

	for range 2 {
		select {
		case err := <-errs:
			require.ErrorContains(t, err, "port rejected")
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for emission error")
		}
	}
}

func TestPinFailureReportsError(t *testing.T) {
	rec := newRecorder()
	errs := make(chan error, 1)

	s := New(rec, discardLogger())
	s.Pin = func(cpu int) error { return errors.New("affinity denied") }
	s.OnError = func(_ int, err error) { errs <- err }

	s.Converge([]int{3})

	select {
	case err := <-errs:
		require.ErrorContains(t, err, "affinity denied")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pin error")
	}
	require.Zero(t, rec.count(portio.BootConverged.Value))
}

func TestDefaultOnErrorExits(t *testing.T) {
	codes := make(chan int, 1)
	orig := exit
	exit = func(code int) { codes <- code }
	t.Cleanup(func() { exit = orig })

	rec := newRecorder()
	rec.fail[portio.BootConverged.Value] = errors.New("port rejected")
	s := New(rec, discardLogger())
	s.Pin = func(int) error { return nil }

	s.Converge([]int{0})

	select {
	case code := <-codes:
		require.Equal(t, 1, code)
	case <-time.After(time.Second):
		t.Fatal("expected exit on failed emission")
	}
}

func TestReadyFailure(t *testing.T) {
	rec := newRecorder()
	rec.fail[portio.ReadyForRequests.Value] = errors.New("port rejected")

	s := New(rec, discardLogger())
	err := s.Ready()
	require.Error(t, err)
	require.ErrorContains(t, err, "signal ready")
}

func TestCPUs(t *testing.T) {
	cpus := CPUs()
	require.NotEmpty(t, cpus)
	for i := 1; i < len(cpus); i++ {
		require.Greater(t, cpus[i], cpus[i-1], "cpu ids must be ascending")
	}
}

func TestSequence(t *testing.T) {
	require.Equal(t, []int{0}, sequence(0))
	require.Equal(t, []int{0, 1, 2}, sequence(3))
}

// Package portio writes one-byte markers to x86 I/O ports. The VMM traps
// writes to its debug port and uses them as out-of-band signals from the
// guest: boot convergence for snapshotting, mount failure, and readiness.
package portio

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultDevice is the character device exposing the I/O port space.
// A one-byte pwrite at offset N performs outb to port N.
const DefaultDevice = "/dev/port"

// DebugPort is the port the VMM watches for guest markers.
const DebugPort uint16 = 0x3f0

// Signal is a single (port, value) write. The guest never reads anything
// back from the port.
type Signal struct {
	Name  string
	Port  uint16
	Value uint8
}

// Canonical signals understood by the VMM.
var (
	BootConverged    = Signal{Name: "boot_converged", Port: DebugPort, Value: 124}
	MountFailed      = Signal{Name: "mount_failed", Port: DebugPort, Value: 125}
	ReadyForRequests = Signal{Name: "ready_for_requests", Port: DebugPort, Value: 126}
)

func (s Signal) String() string {
	return fmt.Sprintf("%s(%d@%#x)", s.Name, s.Value, s.Port)
}

// Emitter issues port signals.
type Emitter interface {
	Emit(s Signal) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(s Signal) error

// Emit calls f(s).
func (f EmitterFunc) Emit(s Signal) error { return f(s) }

// DevPort emits signals through the kernel's port device. It is safe for
// concurrent use; pwrite carries its own offset.
type DevPort struct {
	mu   sync.Mutex
	file *os.File
}

// OpenDevPort opens the port device at path for writing.
func OpenDevPort(path string) (*DevPort, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open port device %s: %w", path, err)
	}
	return &DevPort{file: f}, nil
}

// Emit writes s.Value to s.Port.
func (d *DevPort) Emit(s Signal) error {
	d.mu.Lock()
	f := d.file
	d.mu.Unlock()
	if f == nil {
		return fmt.Errorf("emit %s: port device closed", s)
	}

	n, err := unix.Pwrite(int(f.Fd()), []byte{s.Value}, int64(s.Port))
	if err != nil {
		return fmt.Errorf("emit %s: %w", s, err)
	}
	if n != 1 {
		return fmt.Errorf("emit %s: short write (%d bytes)", s, n)
	}
	return nil
}

// Close releases the port device.
func (d *DevPort) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

// Logging returns an emitter that only logs signals. It stands in for the
// port device when the agent runs outside a VM.
func Logging(logger *slog.Logger) Emitter {
	return EmitterFunc(func(s Signal) error {
		logger.Info("port signal", "signal", s.Name, "port", s.Port, "value", s.Value)
		return nil
	})
}

package guest

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// mountEntry describes a filesystem mount for init mode.
type mountEntry struct {
	source string
	target string
	fstype string
	flags  uintptr
}

var initMounts = []mountEntry{
	{source: "proc", target: "/proc", fstype: "proc"},
	{source: "sysfs", target: "/sys", fstype: "sysfs"},
	{source: "devtmpfs", target: "/dev", fstype: "devtmpfs"},
}

// mount is replaced in tests.
var mount = unix.Mount

// SetupInit mounts essential filesystems and sets up the minimal environment
// required when running as PID 1 inside a microVM. It does nothing for any
// other pid.
func SetupInit(logger *slog.Logger) {
	if os.Getpid() != 1 {
		return
	}

	logger.Info("running as PID 1, mounting essential filesystems")

	for _, m := range initMounts {
		if err := os.MkdirAll(m.target, 0o755); err != nil {
			logger.Warn("mkdir failed", "target", m.target, "error", err)
			continue
		}
		if err := mount(m.source, m.target, m.fstype, m.flags, ""); err != nil && !errors.Is(err, unix.EBUSY) {
			logger.Warn("mount failed", "target", m.target, "error", err)
		}
	}

	os.Setenv("HOME", "/root")
	os.Setenv("PATH", "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:/usr/local/go/bin")
}

// MountOptions locates the workload filesystem.
type MountOptions struct {
	Device    string
	Target    string
	FSType    string
	ReadWrite bool
}

// MountApp mounts the workload block device at its target, read-only
// unless ReadWrite is set.
func MountApp(opts MountOptions) error {
	if err := os.MkdirAll(opts.Target, 0o755); err != nil {
		return fmt.Errorf("create mount point %s: %w", opts.Target, err)
	}

	var flags uintptr
	if !opts.ReadWrite {
		flags |= unix.MS_RDONLY
	}
	if err := mount(opts.Device, opts.Target, opts.FSType, flags, ""); err != nil {
		return fmt.Errorf("mount %s on %s (%s): %w", opts.Device, opts.Target, opts.FSType, err)
	}
	return nil
}

// Package handler loads the workload handler and adapts its calling
// convention. A handler either returns its response directly or reports
// it through a one-shot completion; both are expressed as Handler.
package handler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/seantiz/snapguest/internal/transport"
)

// Handler processes one request and invokes done exactly once with the
// result.
type Handler interface {
	Handle(ctx context.Context, req transport.Request, done func(transport.Response, error))
}

// Func adapts a direct-return function to Handler.
type Func func(ctx context.Context, req transport.Request) (transport.Response, error)

// Handle calls f and passes its result to done.
func (f Func) Handle(ctx context.Context, req transport.Request, done func(transport.Response, error)) {
	done(f(ctx, req))
}

// Callback adapts a completion-style function to Handler.
type Callback func(ctx context.Context, req transport.Request, done func(transport.Response, error))

// Handle calls f.
func (f Callback) Handle(ctx context.Context, req transport.Request, done func(transport.Response, error)) {
	f(ctx, req, done)
}

// Handler kinds.
const (
	KindPlugin  = "plugin"
	KindProcess = "process"
)

// Options selects and locates the workload handler.
type Options struct {
	// Kind is KindPlugin or KindProcess.
	Kind string

	// Path is the plugin shared object or the workload entrypoint.
	Path string

	// Runtime names the interpreter for KindProcess.
	Runtime string

	// Timeout bounds one process invocation. Zero uses DefaultTimeout.
	Timeout time.Duration
}

// Load resolves the configured handler. Any failure is fatal to the agent.
func Load(opts Options, logger *slog.Logger) (Handler, error) {
	if _, err := os.Stat(opts.Path); err != nil {
		return nil, fmt.Errorf("stat workload %s: %w", opts.Path, err)
	}

	switch opts.Kind {
	case KindPlugin:
		return LoadPlugin(opts.Path)
	case KindProcess:
		return NewProcess(opts.Runtime, opts.Path, opts.Timeout, logger)
	default:
		return nil, fmt.Errorf("unknown handler kind %q: must be plugin or process", opts.Kind)
	}
}

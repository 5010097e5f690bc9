// Package guest implements the in-VM agent: it converges the boot barrier,
// mounts the workload filesystem, loads the handler, signals readiness and
// then answers requests from the host one at a time.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/seantiz/snapguest/internal/boot"
	"github.com/seantiz/snapguest/internal/dispatch"
	"github.com/seantiz/snapguest/internal/handler"
	"github.com/seantiz/snapguest/internal/model"
	"github.com/seantiz/snapguest/internal/portio"
	"github.com/seantiz/snapguest/internal/transport"
)

// ErrNotServing is returned by Serve when startup has not completed.
var ErrNotServing = errors.New("agent is not serving")

// Transport is the host channel the agent serves. *transport.Transport
// satisfies it.
type Transport interface {
	Decode() (transport.Request, error)
	Encode(resp transport.Response) error
	Closed() bool
	Close() error
}

// Config wires the startup stages. Mount, Load and Open are required.
type Config struct {
	// Emitter receives the port signals.
	Emitter portio.Emitter

	// Boot drives convergence and readiness. Built from Emitter when nil.
	Boot *boot.Synchronizer

	// CPUs to converge. Empty means boot.CPUs().
	CPUs []int

	// SkipBoot omits the per-CPU convergence writes.
	SkipBoot bool

	Mount func(ctx context.Context) error
	Load  func(ctx context.Context) (handler.Handler, error)
	Open  func(ctx context.Context) (Transport, error)

	Dispatch dispatch.Options
}

// FatalError reports a startup stage that failed. The agent never serves
// after one.
type FatalError struct {
	Stage string
	Err   error
}

func (e *FatalError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// Agent runs the guest lifecycle.
type Agent struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	state  string
	served atomic.Int64
}

// New creates an agent in the booting state.
func New(cfg Config, logger *slog.Logger) *Agent {
	if cfg.Boot == nil {
		cfg.Boot = boot.New(cfg.Emitter, logger)
	}
	return &Agent{
		cfg:    cfg,
		logger: logger,
		state:  model.StateBooting,
	}
}

// State reports the current lifecycle state.
func (a *Agent) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Served reports the number of responses written.
func (a *Agent) Served() int64 { return a.served.Load() }

func (a *Agent) setState(to string) {
	a.mu.Lock()
	from := a.state
	if !model.ValidTransition(from, to) {
		a.mu.Unlock()
		a.logger.Error("invalid state transition", "from", from, "to", to)
		return
	}
	a.state = to
	a.mu.Unlock()
	a.logger.Debug("state", "from", from, "to", to)
}

func (a *Agent) fail(stage string, err error) error {
	a.setState(model.StateFailed)
	return &FatalError{Stage: stage, Err: err}
}

// Run executes the startup stages in order and then serves until the host
// channel closes. It returns nil on clean closure and a *FatalError when a
// startup stage fails.
func (a *Agent) Run(ctx context.Context) error {
	if !a.cfg.SkipBoot {
		cpus := a.cfg.CPUs
		if len(cpus) == 0 {
			cpus = boot.CPUs()
		}
		a.cfg.Boot.Converge(cpus)
	}

	a.setState(model.StateMounting)
	if err := a.cfg.Mount(ctx); err != nil {
		if emitErr := a.cfg.Emitter.Emit(portio.MountFailed); emitErr != nil {
			a.logger.Error("signal mount failure", "error", emitErr)
		}
		return a.fail(model.StateMounting, err)
	}

	a.setState(model.StateLoading)
	h, err := a.cfg.Load(ctx)
	if err != nil {
		return a.fail(model.StateLoading, err)
	}
	tr, err := a.cfg.Open(ctx)
	if err != nil {
		return a.fail(model.StateLoading, err)
	}
	defer tr.Close()

	a.setState(model.StateSignalingReady)
	if err := a.cfg.Boot.Ready(); err != nil {
		return a.fail(model.StateSignalingReady, err)
	}

	a.setState(model.StateServing)
	return a.Serve(ctx, tr, dispatch.New(h, a.cfg.Dispatch, a.logger))
}

// Serve answers requests from tr strictly in order until the channel
// closes or ctx ends. A malformed request is answered with an error
// envelope and serving continues. Only an I/O failure that is not a
// closure is returned. The agent must be in the serving state, as Run
// leaves it.
func (a *Agent) Serve(ctx context.Context, tr Transport, d *dispatch.Dispatcher) error {
	if state := a.State(); state != model.StateServing {
		return fmt.Errorf("%w: state %s", ErrNotServing, state)
	}
	for {
		if ctx.Err() != nil {
			a.setState(model.StateClosed)
			a.logger.Info("serving stopped", "reason", ctx.Err(), "served", a.Served())
			return nil
		}

		a.setState(model.StateDecoding)
		req, err := tr.Decode()

		var resp transport.Response
		var payloadErr *transport.PayloadError
		switch {
		case err == nil:
			a.setState(model.StateDispatching)
			resp = d.Invoke(ctx, req)
		case errors.Is(err, transport.ErrClosed):
			a.setState(model.StateClosed)
			a.logger.Info("host channel closed", "served", a.Served())
			return nil
		case errors.As(err, &payloadErr):
			resp = d.Reject(dispatch.ErrorPayload, payloadErr)
		default:
			a.setState(model.StateFailed)
			return fmt.Errorf("decode request: %w", err)
		}

		a.setState(model.StateEncoding)
		if err := a.encode(tr, d, resp); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				a.setState(model.StateClosed)
				a.logger.Info("host channel closed while responding", "served", a.Served())
				return nil
			}
			a.setState(model.StateFailed)
			return fmt.Errorf("encode response: %w", err)
		}
		a.served.Add(1)
		a.setState(model.StateServing)
	}
}

// encode writes resp, substituting an error envelope when resp cannot be
// serialized or does not fit the framing.
func (a *Agent) encode(tr Transport, d *dispatch.Dispatcher, resp transport.Response) error {
	err := tr.Encode(resp)
	switch {
	case errors.Is(err, transport.ErrPayloadTooLarge):
		return tr.Encode(d.Reject(dispatch.ErrorFrame, err))
	case errors.Is(err, transport.ErrUnencodable):
		return tr.Encode(d.Reject(dispatch.ErrorHandler, err))
	default:
		return err
	}
}

// Package dispatch invokes the workload handler for one decoded request
// and shapes its result into a response envelope.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/seantiz/snapguest/internal/handler"
	"github.com/seantiz/snapguest/internal/model"
	"github.com/seantiz/snapguest/internal/transport"
)

// Instrumentation fields. Handlers are not expected to produce these; if
// one does, its value wins.
const (
	FieldRuntimeSec = "runtime_sec"
	FieldRuntimeMS  = "runtime_ms"
)

// Error envelope fields and kinds.
const (
	FieldError     = "error"
	FieldErrorType = "error_type"

	ErrorHandler = "handler"
	ErrorPayload = "payload"
	ErrorFrame   = "frame"
)

var (
	// ErrTimeout is reported when a handler does not complete in time.
	ErrTimeout = errors.New("handler did not complete")

	// ErrBusy is reported when an earlier timed-out invocation is still
	// running and the handler cannot be called again yet.
	ErrBusy = errors.New("previous invocation still running")
)

// ErrorResponse builds the error-shaped envelope sent in place of a result.
func ErrorResponse(kind string, err error) transport.Response {
	return transport.Response{
		FieldError:     err.Error(),
		FieldErrorType: kind,
	}
}

// Options configures a Dispatcher.
type Options struct {
	// Instrument attaches runtime_sec and runtime_ms to every response.
	Instrument bool

	// Timeout bounds one handler invocation. Zero waits indefinitely.
	Timeout time.Duration
}

// Dispatcher owns the loaded handler. It is used by one goroutine; the
// handler is never invoked concurrently, including after a timeout.
type Dispatcher struct {
	handler handler.Handler
	opts    Options
	logger  *slog.Logger
	now     func() time.Time

	// pending is closed when a timed-out invocation finally completes.
	pending <-chan struct{}
}

// New creates a dispatcher for h.
func New(h handler.Handler, opts Options, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handler: h,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Invoke calls the handler once and always returns a response: the
// handler's result, or an error envelope if it failed.
func (d *Dispatcher) Invoke(ctx context.Context, req transport.Request) transport.Response {
	id := model.NewID()

	start := d.now()
	resp, err := d.call(ctx, req)
	elapsed := d.now().Sub(start)
	handlerDuration.Observe(elapsed.Seconds())

	if err != nil {
		requestsTotal.WithLabelValues(statusHandlerError).Inc()
		d.logger.Warn("handler failed", "request_id", id, "error", err, "duration_ms", elapsed.Milliseconds())
		resp = ErrorResponse(ErrorHandler, err)
	} else {
		requestsTotal.WithLabelValues(statusOK).Inc()
		d.logger.Debug("request handled", "request_id", id, "duration_ms", elapsed.Milliseconds())
	}

	// Handlers may keep and reuse the map they return.
	out := make(transport.Response, len(resp)+2)
	maps.Copy(out, resp)
	resp = out

	if d.opts.Instrument {
		d.annotate(resp, elapsed)
	}
	return resp
}

// Reject records a request that never reached the handler and returns its
// error envelope.
func (d *Dispatcher) Reject(kind string, err error) transport.Response {
	requestsTotal.WithLabelValues(statusRejected).Inc()
	d.logger.Warn("request rejected", "error_type", kind, "error", err)
	return ErrorResponse(kind, err)
}

type result struct {
	resp transport.Response
	err  error
}

// call runs the handler and waits for its completion, whether it arrives
// before Handle returns or later from another goroutine. Only the first
// completion counts. If ctx ends first, the next call waits for that
// completion before invoking the handler again.
func (d *Dispatcher) call(ctx context.Context, req transport.Request) (transport.Response, error) {
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	if d.pending != nil {
		select {
		case <-d.pending:
			d.pending = nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrBusy, ctx.Err())
		}
	}

	results := make(chan result, 1)
	finished := make(chan struct{})
	var once sync.Once
	done := func(resp transport.Response, err error) {
		once.Do(func() {
			results <- result{resp: resp, err: err}
			close(finished)
		})
	}

	func() {
		defer func() {
			if p := recover(); p != nil {
				done(nil, fmt.Errorf("handler panic: %v", p))
			}
		}()
		d.handler.Handle(ctx, req, done)
	}()

	select {
	case r := <-results:
		return r.resp, r.err
	case <-ctx.Done():
		d.pending = finished
		return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}

// annotate attaches elapsed whole seconds and the sub-second remainder in
// milliseconds without overwriting handler fields.
func (d *Dispatcher) annotate(resp transport.Response, elapsed time.Duration) {
	sec := int64(elapsed / time.Second)
	ms := float64(elapsed%time.Second) / float64(time.Millisecond)

	for key, value := range map[string]any{FieldRuntimeSec: sec, FieldRuntimeMS: ms} {
		if _, taken := resp[key]; taken {
			d.logger.Debug("handler set reserved field, keeping its value", "field", key)
			continue
		}
		resp[key] = value
	}
}

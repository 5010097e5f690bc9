// Package transport implements the host channel framings the guest agent
// serves requests over.
//
// Three variants exist, selected at configuration time:
//
//   - line: newline-terminated JSON requests from an input device
//     (normally the second serial port); responses go to stdout either
//     newline-terminated or with a one-byte length prefix.
//   - relay: one-byte length-prefixed JSON in both directions over a
//     vsock connection to the host.
//   - stdout: one-byte length-prefixed JSON requests from an input device,
//     length-prefixed responses to stdout.
//
// The one-byte prefix caps payloads at MaxPrefixedPayload bytes.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/mdlayher/vsock"
)

// Kind selects a transport variant.
type Kind string

const (
	KindLine   Kind = "line"
	KindRelay  Kind = "relay"
	KindStdout Kind = "stdout"
)

// Framing selects how responses are delimited.
type Framing string

const (
	FramingNewline  Framing = "newline"
	FramingPrefixed Framing = "prefixed"
)

// Vsock connection modes for the relay variant.
const (
	VsockListen = "listen"
	VsockDial   = "dial"
)

// Retry defaults for relay dial mode.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// ParseKind validates a transport kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindLine, KindRelay, KindStdout:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transport %q: must be one of line, relay, stdout", s)
	}
}

// ParseFraming validates a response framing name.
func ParseFraming(s string) (Framing, error) {
	switch f := Framing(s); f {
	case FramingNewline, FramingPrefixed:
		return f, nil
	default:
		return "", fmt.Errorf("unknown response framing %q: must be newline or prefixed", s)
	}
}

// Transport decodes requests from and encodes responses to one host
// channel. It is owned by a single goroutine.
type Transport struct {
	kind    Kind
	framing Framing
	in      *bufio.Reader
	out     *bufio.Writer
	closers []io.Closer
	closed  bool

	// accept, when set, yields the relay connection on first use. The
	// listener exists before readiness is signaled; the host connects after.
	accept func() (net.Conn, error)
}

// New builds a transport of the given kind over in and out. framing only
// applies to KindLine; the binary variants always answer length-prefixed.
func New(kind Kind, in io.Reader, out io.Writer, framing Framing) (*Transport, error) {
	switch kind {
	case KindLine:
		if framing == "" {
			framing = FramingNewline
		}
	case KindRelay, KindStdout:
		if framing == FramingNewline {
			return nil, fmt.Errorf("transport %s: newline response framing is not supported", kind)
		}
		framing = FramingPrefixed
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}

	t := &Transport{kind: kind, framing: framing}
	if in != nil && out != nil {
		t.attach(in, out)
	}
	return t, nil
}

func (t *Transport) attach(in io.Reader, out io.Writer) {
	t.in = bufio.NewReader(in)
	t.out = bufio.NewWriter(out)
}

// establish completes a pending relay accept.
func (t *Transport) establish() error {
	if t.accept == nil {
		return nil
	}
	accept := t.accept
	t.accept = nil

	conn, err := accept()
	if err != nil {
		t.closed = true
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ErrClosed
		}
		return err
	}
	t.closers = append(t.closers, conn)
	t.attach(conn, conn)
	return nil
}

// Kind reports the transport variant.
func (t *Transport) Kind() Kind { return t.kind }

// Framing reports the response framing.
func (t *Transport) Framing() Framing { return t.framing }

// Closed reports whether the channel has been observed closed.
func (t *Transport) Closed() bool { return t.closed }

// Decode reads one complete frame and parses it. It returns ErrClosed once
// the channel is gone and a *PayloadError for a well-framed but
// unparseable request.
func (t *Transport) Decode() (Request, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if err := t.establish(); err != nil {
		return nil, err
	}

	var (
		raw []byte
		err error
	)
	if t.kind == KindLine {
		raw, err = ReadLine(t.in)
	} else {
		raw, err = ReadPrefixed(t.in)
	}
	if err != nil {
		if errors.Is(err, ErrClosed) {
			t.closed = true
		}
		return nil, err
	}

	return ParseRequest(raw)
}

// Encode serializes resp, frames it and flushes the output. Oversized
// responses on prefixed framing return ErrPayloadTooLarge with nothing
// written.
func (t *Transport) Encode(resp Response) error {
	if t.closed {
		return ErrClosed
	}
	if err := t.establish(); err != nil {
		return err
	}

	data, err := MarshalResponse(resp)
	if err != nil {
		return err
	}

	if t.framing == FramingPrefixed {
		err = WritePrefixed(t.out, data)
	} else {
		err = WriteLine(t.out, data)
	}
	if err == nil {
		err = t.out.Flush()
		if err != nil {
			err = closedOr(err, "flush")
		}
	}
	if errors.Is(err, ErrClosed) {
		t.closed = true
	}
	return err
}

// Close releases any devices or connections opened for the transport.
func (t *Transport) Close() error {
	t.closed = true
	var errs []error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	t.closers = nil
	return errors.Join(errs...)
}

// Options configures Open.
type Options struct {
	Kind    Kind
	Framing Framing

	// Input is the request device for the line and stdout variants.
	Input string

	// Vsock settings for the relay variant.
	VsockMode string
	VsockPort uint32
	VsockCID  uint32
}

// Open builds the configured transport over real devices. Responses for
// the line and stdout variants go to os.Stdout. For the relay variant in
// listen mode Open only binds the listener; the first Decode waits for the
// host to connect, or for ctx to end.
func Open(ctx context.Context, opts Options) (*Transport, error) {
	switch opts.Kind {
	case KindLine, KindStdout:
		f, err := os.Open(opts.Input)
		if err != nil {
			return nil, fmt.Errorf("open input %s: %w", opts.Input, err)
		}
		t, err := New(opts.Kind, f, os.Stdout, opts.Framing)
		if err != nil {
			f.Close()
			return nil, err
		}
		t.closers = append(t.closers, f)
		return t, nil

	case KindRelay:
		t, err := New(KindRelay, nil, nil, opts.Framing)
		if err != nil {
			return nil, err
		}
		if err := t.connectRelay(ctx, opts); err != nil {
			return nil, err
		}
		return t, nil

	default:
		return nil, fmt.Errorf("unknown transport %q", opts.Kind)
	}
}

// connectRelay dials the host, or binds a listener whose single
// connection is accepted on first use.
func (t *Transport) connectRelay(ctx context.Context, opts Options) error {
	switch opts.VsockMode {
	case VsockDial:
		cid := opts.VsockCID
		if cid == 0 {
			cid = vsock.Host
		}
		conn, err := dialRetry(ctx, dialBaseBackoff, func() (net.Conn, error) {
			return vsock.Dial(cid, opts.VsockPort, nil)
		})
		if err != nil {
			return fmt.Errorf("vsock dial %d:%d: %w", cid, opts.VsockPort, err)
		}
		t.closers = append(t.closers, conn)
		t.attach(conn, conn)
		return nil

	case VsockListen, "":
		l, err := vsock.Listen(opts.VsockPort, nil)
		if err != nil {
			return fmt.Errorf("vsock listen on port %d: %w", opts.VsockPort, err)
		}
		t.closers = append(t.closers, l)
		t.accept = func() (net.Conn, error) { return acceptOne(ctx, l) }
		return nil

	default:
		return fmt.Errorf("unknown vsock mode %q: must be listen or dial", opts.VsockMode)
	}
}

// acceptOne accepts a single connection and closes l. The relay is point
// to point; no second peer is served.
func acceptOne(ctx context.Context, l net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	conn, err := l.Accept()
	l.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("accept relay: %w", ctx.Err())
		}
		return nil, fmt.Errorf("accept relay: %w", err)
	}
	return conn, nil
}

// dialRetry calls dial until it succeeds, backing off exponentially from
// backoff between attempts.
func dialRetry(ctx context.Context, backoff time.Duration, dial func() (net.Conn, error)) (net.Conn, error) {
	var lastErr error
	for attempt := range dialMaxRetries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := dial()
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", dialMaxRetries, lastErr)
}

package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// MaxPrefixedPayload is the largest payload a one-byte length prefix can
// describe. Larger payloads are rejected, never truncated.
const MaxPrefixedPayload = 255

// MaxLineSize bounds a single line-delimited request (16 MiB).
const MaxLineSize = 16 << 20

var (
	// ErrClosed reports that the host side of the channel is gone: EOF on
	// a frame boundary, or a stream that ended mid-frame.
	ErrClosed = errors.New("transport: channel closed")

	// ErrPayloadTooLarge is returned when a payload does not fit the
	// one-byte length prefix.
	ErrPayloadTooLarge = fmt.Errorf("transport: payload exceeds %d-byte frame limit", MaxPrefixedPayload)

	// ErrLineTooLong is wrapped in a PayloadError when a line exceeds
	// MaxLineSize. The rest of the line is discarded.
	ErrLineTooLong = fmt.Errorf("transport: line exceeds %d bytes", MaxLineSize)
)

// PayloadError reports a complete frame whose bytes are not a valid
// request. It is scoped to one request; the channel remains usable.
type PayloadError struct {
	Raw []byte
	Err error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid request payload: %v", e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// ReadPrefixed reads one frame: a single length byte L followed by exactly
// L payload bytes. Short reads are retried until the frame is complete.
// EOF before or inside the frame returns ErrClosed.
func ReadPrefixed(r io.Reader) ([]byte, error) {
	var prefix [1]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, closedOr(err, "read length prefix")
	}

	payload := make([]byte, prefix[0])
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closedOr(err, "read payload")
	}
	return payload, nil
}

// WritePrefixed writes payload preceded by its one-byte length, in a
// single write so a frame is never interleaved.
func WritePrefixed(w io.Writer, payload []byte) error {
	if len(payload) > MaxPrefixedPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(len(payload)))
	frame = append(frame, payload...)
	if _, err := w.Write(frame); err != nil {
		return closedOr(err, "write frame")
	}
	return nil
}

// ReadLine reads one newline-terminated line, accumulating across as many
// underlying reads as it takes. The terminator (and a preceding '\r') is
// stripped. A stream ending without a terminator returns ErrClosed.
func ReadLine(br *bufio.Reader) ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > MaxLineSize+1 {
				tooLong = true
				line = nil
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, &PayloadError{Err: ErrLineTooLong}
			}
			return trimEOL(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return nil, closedOr(err, "read line")
		}
	}
}

// WriteLine writes payload followed by '\n'.
func WriteLine(w io.Writer, payload []byte) error {
	if bytes.IndexByte(payload, '\n') >= 0 {
		return errors.New("transport: line payload contains a newline")
	}

	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')
	if _, err := w.Write(frame); err != nil {
		return closedOr(err, "write line")
	}
	return nil
}

func trimEOL(line []byte) []byte {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	return bytes.TrimSuffix(line, []byte{'\r'})
}

// closedOr maps end-of-stream conditions to ErrClosed and wraps anything
// else with op.
func closedOr(err error, op string) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return ErrClosed
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

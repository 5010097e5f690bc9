package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/seantiz/snapguest/internal/transport"
)

// DefaultTimeout bounds a process invocation when none is configured.
const DefaultTimeout = 30 * time.Second

// maxStdout caps the response a workload process may print.
const maxStdout = 1 << 20

// runtimeCommands maps each runtime to the command used to execute the
// workload entrypoint.
var runtimeCommands = map[string]struct {
	bin  string
	args func(entrypoint string) []string
}{
	"go":     {bin: "go", args: func(ep string) []string { return []string{"run", ep} }},
	"node":   {bin: "node", args: func(ep string) []string { return []string{ep} }},
	"python": {bin: "python3", args: func(ep string) []string { return []string{ep} }},
	"exec":   {bin: "", args: func(string) []string { return nil }},
}

// Process runs the workload entrypoint once per request. The request JSON
// is written to stdin; the response is the JSON object printed on stdout.
// Stderr lines are logged.
type Process struct {
	bin     string
	args    []string
	dir     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewProcess builds a process handler for entrypoint under runtime.
func NewProcess(runtime, entrypoint string, timeout time.Duration, logger *slog.Logger) (*Process, error) {
	rt, ok := runtimeCommands[runtime]
	if !ok {
		return nil, fmt.Errorf("unsupported runtime: %q", runtime)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	bin := rt.bin
	if bin == "" {
		bin = entrypoint
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("runtime %s: %w", runtime, err)
	}

	return &Process{
		bin:     bin,
		args:    rt.args(entrypoint),
		dir:     filepath.Dir(entrypoint),
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Handle runs one invocation and reports its parsed stdout.
func (p *Process) Handle(ctx context.Context, req transport.Request, done func(transport.Response, error)) {
	done(p.run(ctx, req))
}

func (p *Process) run(ctx context.Context, req transport.Request) (transport.Response, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.bin, p.args...)
	cmd.Dir = p.dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, n: maxStdout}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	// Stderr must be drained before Wait.
	stderrTail := p.logLines(stderrPipe)

	if err := cmd.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timeout after %s", p.timeout)
		}
		if stderrTail != "" {
			return nil, fmt.Errorf("%w: %s", err, stderrTail)
		}
		return nil, err
	}

	return parseOutput(stdout.Bytes())
}

// logLines logs each stderr line and returns the last one.
func (p *Process) logLines(r io.Reader) string {
	var last string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		last = scanner.Text()
		p.logger.Debug("workload stderr", "line", last)
	}
	return last
}

// parseOutput decodes the last non-empty stdout line as the response
// object; earlier lines are workload chatter.
func parseOutput(out []byte) (transport.Response, error) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte{'\n'})
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 {
		return nil, fmt.Errorf("workload produced no output")
	}

	var resp map[string]any
	if err := json.Unmarshal(last, &resp); err != nil {
		return nil, fmt.Errorf("parse workload output: %w", err)
	}
	return transport.Response(resp), nil
}

// limitedWriter discards output beyond n bytes.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if l.n <= 0 {
		return total, nil
	}
	if len(p) > l.n {
		p = p[:l.n]
	}
	written, err := l.w.Write(p)
	l.n -= written
	if err != nil {
		return written, err
	}
	return total, nil
}

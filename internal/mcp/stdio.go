package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioConfig configures a stdio transport for a tool server subprocess.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current process environment.
	Env []string

	// LogTail receives stderr lines. If nil, a default-sized ring is
	// created internally.
	LogTail *LogRing

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport owns one tool server subprocess and exchanges
// newline-delimited JSON-RPC messages with it over stdin/stdout.
type StdioTransport struct {
	config  StdioConfig
	logger  *slog.Logger
	logTail *LogRing

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan readResult

	done   chan struct{} // closed when the subprocess exits
	status ExitStatus    // valid once done is closed
}

// ExitStatus describes how the subprocess ended.
type ExitStatus struct {
	Code int
	Err  error
}

// NewStdioTransport creates a stdio transport for the given config. The
// subprocess is not launched until Start.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logTail := cfg.LogTail
	if logTail == nil {
		logTail = NewLogRing(0)
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		logTail: logTail,
	}
}

// Start launches the subprocess. Starting an already-running transport is
// a no-op. The subprocess lifecycle is independent of call contexts: it
// survives individual request timeouts and is only terminated by Close.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start()
}

// start launches the subprocess if needed. Caller must hold t.mu.
func (t *StdioTransport) start() error {
	if t.cmd != nil && t.cmd.ProcessState == nil {
		// Process is still running.
		return nil
	}

	t.logger.Info("starting tool server subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Stderr is diagnostics, not protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.lines = make(chan readResult, 16)
	t.done = make(chan struct{})

	go t.captureStderr(stderrPipe)
	go t.watch(cmd, t.done)
	// 1 MiB read buffer for large responses.
	go t.readLines(bufio.NewReaderSize(stdout, 1<<20), t.lines, t.done)

	t.logger.Info("tool server subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// Exited returns a channel closed when the subprocess exits. Any number
// of observers may wait on it; ExitStatus is valid once it is closed.
// Nil before the first Start.
func (t *StdioTransport) Exited() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// ExitStatus reports how the subprocess ended. Only meaningful after the
// Exited channel is closed.
func (t *StdioTransport) ExitStatus() ExitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// PID returns the subprocess pid, or 0 when not running.
func (t *StdioTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// LogTail returns the captured recent stderr lines, oldest first.
func (t *StdioTransport) LogTail() []string {
	return t.logTail.Tail()
}

// watch waits on the subprocess, records its exit status, and closes done.
func (t *StdioTransport) watch(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	status := ExitStatus{Err: err}
	if cmd.ProcessState != nil {
		status.Code = cmd.ProcessState.ExitCode()
	}

	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
	close(done)
}

// captureStderr reads stderr lines into the ring and trace log.
func (t *StdioTransport) captureStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.logTail.Append(line)
		t.logger.Debug("tool server stderr", "line", line)
	}
}

// readResult is the outcome of a single line read from stdout.
type readResult struct {
	line []byte
	err  error
}

// readLines is the only reader of the subprocess stdout. It runs for the
// lifetime of one launched process and delivers whole lines in order.
// Having a single reader means a response that arrives after its caller
// gave up simply waits in the channel until the next Send discards it by
// id, instead of two reads racing on the shared buffer.
func (t *StdioTransport) readLines(r *bufio.Reader, ch chan<- readResult, done <-chan struct{}) {
	for {
		line, err := r.ReadBytes('\n')
		select {
		case ch <- readResult{line: line, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// Send sends a JSON-RPC request over stdin and reads the response from
// stdout. The mutex serializes access since stdio is inherently
// sequential. Context cancellation abandons the wait without killing the
// subprocess; a hung server stays hung but the caller gets its timeout.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.start(); err != nil {
		return nil, err
	}
	lines := t.lines

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	// Write request + newline delimiter.
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write to subprocess stdin: %w", err)
	}

	// The subprocess may emit notifications, or a response some earlier
	// caller timed out waiting for, before the actual response; loop
	// until a message with the matching ID arrives.
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-lines:
			if res.err != nil {
				return nil, fmt.Errorf("read from subprocess stdout: %w", res.err)
			}

			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from tool server",
					"line", string(res.line),
				)
				continue
			}

			if resp.ID == req.ID {
				return &resp, nil
			}

			t.logger.Debug("skipping unmatched tool server message", "id", resp.ID)
		}
	}
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.start(); err != nil {
		return err
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write notification to subprocess stdin: %w", err)
	}

	return nil
}

// Close terminates the subprocess: stdin is closed to request a graceful
// exit, then the process is killed after a grace period. The mutex is
// not held while waiting so the watch goroutine can record the exit.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	cmd := t.cmd
	stdin := t.stdin
	done := t.done
	t.cmd = nil
	t.stdin = nil
	t.lines = nil
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping tool server subprocess", "pid", cmd.Process.Pid)

	if stdin != nil {
		stdin.Close()
	}

	// The watch goroutine owns cmd.Wait; observe its completion here.
	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		t.logger.Warn("tool server did not exit gracefully, killing",
			"pid", cmd.Process.Pid,
		)
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

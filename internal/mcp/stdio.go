package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// LevelTrace sits below [slog.LevelDebug]. Full JSON-RPC payloads are
// only logged at this level. config.LevelTrace is defined from it.
const LevelTrace = slog.Level(-8)

// defaultCloseTimeout is how long Close waits for the subprocess to exit
// on its own after stdin is closed.
const defaultCloseTimeout = 5 * time.Second

// StdioConfig configures a transport that runs an MCP server as a
// subprocess and exchanges newline-delimited JSON-RPC on its
// stdin/stdout.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are passed to Command in order.
	Args []string

	// Env is overlaid on the current process environment. Overlay
	// values win on key collision.
	Env map[string]string

	// CloseTimeout bounds the graceful exit wait in Close before the
	// process is killed. Zero means 5s.
	CloseTimeout time.Duration

	// Logger receives transport diagnostics and the server's stderr.
	Logger *slog.Logger
}

// StdioTransport is a [Transport] backed by a subprocess. The process is
// launched by Start and lives until Close, or until a failed read or
// write tears it down. It is never restarted.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	// sem serializes use of the pipes. A one-slot channel is used instead
	// of a mutex so waiting for it can be abandoned when ctx is done.
	sem chan struct{}

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	stderr *stderrLog
}

// NewStdioTransport returns an unstarted transport for cfg.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = defaultCloseTimeout
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
		sem:    make(chan struct{}, 1),
	}
}

// acquire takes the semaphore or gives up when ctx is done.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// select picks at random when both cases are ready; a cancelled ctx
	// must still lose.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// Start launches the subprocess. Errors wrap [ErrSpawn]. Calling Start on
// a running transport is a no-op.
func (t *StdioTransport) Start(ctx context.Context) error {
	if err := t.acquire(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	defer t.release()

	if t.cmd != nil {
		return nil
	}
	if strings.TrimSpace(t.config.Command) == "" {
		return fmt.Errorf("%w: command is empty", ErrSpawn)
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	// Not CommandContext: the process must outlive the start context and
	// is only stopped by Close or a failed exchange.
	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = MergeEnv(os.Environ(), t.config.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: stdin pipe: %w", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("%w: stdout pipe: %w", ErrSpawn, err)
	}
	// exec copies stderr into the writer and Wait returns only once the
	// copy is done, bounded by WaitDelay.
	stderr := &stderrLog{logger: t.logger}
	cmd.Stderr = stderr
	cmd.WaitDelay = t.config.CloseTimeout

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("%w: start %s: %w", ErrSpawn, t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.reader = bufio.NewReaderSize(stdout, 1<<20)
	t.stderr = stderr

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// maxStderrLine caps a buffered stderr line; longer output is logged in
// pieces.
const maxStderrLine = 256 * 1024

// stderrLog forwards the server's stderr to the debug log one line at a
// time.
type stderrLog struct {
	logger *slog.Logger

	mu  sync.Mutex
	buf []byte
}

func (l *stderrLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(l.buf[:i])
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) >= maxStderrLine {
		l.emit(l.buf)
		l.buf = nil
	}
	return len(p), nil
}

// flush logs a trailing line that had no newline. Call after Wait.
func (l *stderrLog) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.buf) > 0 {
		l.emit(l.buf)
		l.buf = nil
	}
}

func (l *stderrLog) emit(line []byte) {
	l.logger.Debug("MCP subprocess stderr", "line", string(bytes.TrimRight(line, "\r")))
}

type readResult struct {
	line []byte
	err  error
}

// inbound is any message read from the server. Method is set for
// server-initiated requests and notifications, which we skip.
type inbound struct {
	Response
	Method string `json:"method,omitempty"`
}

// Send writes req and reads stdout until the matching response. The
// blocking read runs in a goroutine so ctx can interrupt it; an
// interrupted or failed exchange kills the subprocess, since the stream
// position is no longer known. Stream failures wrap [ErrTransportClosed].
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}
	defer t.release()

	if t.cmd == nil {
		return nil, fmt.Errorf("%w: subprocess is not running", ErrTransportClosed)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, LevelTrace, "MCP request", "id", req.ID, "method", req.Method, "payload", string(data))

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return nil, fmt.Errorf("%w: write %s: %w", ErrTransportClosed, req.Method, err)
	}

	reader := t.reader
	for {
		ch := make(chan readResult, 1)
		go func() {
			line, readErr := reader.ReadBytes('\n')
			ch <- readResult{line: line, err: readErr}
		}()

		select {
		case <-ctx.Done():
			t.cleanup()
			return nil, fmt.Errorf("%w: awaiting %s: %w", ErrTransportClosed, req.Method, ctx.Err())
		case res := <-ch:
			if res.err != nil {
				t.cleanup()
				return nil, fmt.Errorf("%w: read %s response: %w", ErrTransportClosed, req.Method, res.err)
			}

			line := bytes.TrimSpace(res.line)
			if len(line) == 0 {
				continue
			}

			var msg inbound
			if err := json.Unmarshal(line, &msg); err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
				continue
			}
			if msg.Method != "" || msg.ID != req.ID {
				t.logger.Debug("skipping unmatched MCP message", "id", msg.ID, "method", msg.Method)
				continue
			}

			t.logger.Log(ctx, LevelTrace, "MCP response", "id", msg.ID, "payload", string(line))
			resp := msg.Response
			return &resp, nil
		}
	}
}

// Notify writes notif to stdin.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if t.cmd == nil {
		return fmt.Errorf("%w: subprocess is not running", ErrTransportClosed)
	}

	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	t.logger.Log(ctx, LevelTrace, "MCP notification", "method", notif.Method, "payload", string(data))

	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		t.cleanup()
		return fmt.Errorf("%w: write %s: %w", ErrTransportClosed, notif.Method, err)
	}
	return nil
}

// Close stops the subprocess: stdin is closed so a well-behaved server
// exits, and the process is killed if it has not exited within
// CloseTimeout. Close waits for any in-progress Send to finish first.
// Closing an unstarted or already failed transport returns nil.
func (t *StdioTransport) Close() error {
	t.sem <- struct{}{}
	defer t.release()

	return t.stop()
}

// stop terminates the subprocess. Caller must hold the semaphore.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	cmd := t.cmd
	stderr := t.stderr
	pid := cmd.Process.Pid
	t.logger.Info("stopping MCP subprocess", "pid", pid)

	if t.stdin != nil {
		t.stdin.Close()
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
	t.stderr = nil

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		stderr.flush()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(t.config.CloseTimeout):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", pid)
		_ = cmd.Process.Kill()
		<-done
		return nil
	}
}

// cleanup kills the subprocess after a failed exchange. Caller must hold
// the semaphore.
func (t *StdioTransport) cleanup() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	if t.stderr != nil {
		t.stderr.flush()
	}
	t.cmd = nil
	t.stdin = nil
	t.reader = nil
	t.stderr = nil
}

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// stopGrace is how long Close waits for the subprocess to exit after
// stdin is closed before force-killing it.
const stopGrace = 5 * time.Second

// errTransportClosed reports an explicit Close, as opposed to the
// process dying on its own.
var errTransportClosed = errors.New("transport closed")

// StdioConfig configures a stdio transport that communicates with a
// subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Name identifies the server in logs and errors.
	Name string

	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"), appended to the current process
	// environment.
	Env []string

	// Dir is the working directory for the subprocess. Empty means
	// inherit.
	Dir string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport runs an MCP server as a subprocess. Outbound frames
// are serialized onto stdin; a single read pump routes inbound frames
// to pending calls by ID, so any number of calls may be outstanding at
// once and responses may arrive in any order.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger
	nextID atomic.Int64

	writeMu sync.Mutex // serializes frames onto stdin

	mu      sync.Mutex // guards process state below
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending *pendingCalls
	closed  bool
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until Start is called.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger.With("server", cfg.Name),
	}
}

// Start launches the subprocess and its read pump. If a previous
// process has exited, Start launches a fresh one; pending calls from
// the dead process have already failed with ConnectionLost.
func (t *StdioTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &ConnectionLost{Server: t.config.Name, Err: errTransportClosed}
	}
	if t.cmd != nil && t.cmd.ProcessState == nil {
		// Process is still running.
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Capture stderr for logging — not part of the protocol.
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

	// Each process generation gets its own pending set. A pump from a
	// dead process fails only the calls issued against that process.
	t.pending = newPendingCalls()

	go t.readPump(bufio.NewReaderSize(stdout, 1<<20), t.pending, cmd)
	go t.drainStderr(stderrPipe)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// Call sends a request over stdin and waits for the response with the
// matching ID. Sibling calls proceed independently; a context error
// abandons only this call.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &ConnectionLost{Server: t.config.Name, Err: errTransportClosed}
	}
	if t.cmd == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s not running", t.config.Name)
	}
	pending, stdin := t.pending, t.stdin
	t.mu.Unlock()

	id := t.nextID.Add(1)

	ch, err := pending.register(id)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		pending.remove(id)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if err := t.writeFrame(stdin, data); err != nil {
		pending.remove(id)
		return nil, &ConnectionLost{Server: t.config.Name, Err: err}
	}

	select {
	case <-ctx.Done():
		pending.remove(id)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			if terr := pending.terminal(); terr != nil {
				return nil, terr
			}
			return nil, &ConnectionLost{Server: t.config.Name, Err: errTransportClosed}
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Notify sends a notification over stdin. No response is expected.
func (t *StdioTransport) Notify(_ context.Context, method string, params any) error {
	t.mu.Lock()
	if t.closed || t.cmd == nil {
		t.mu.Unlock()
		return &ConnectionLost{Server: t.config.Name, Err: errTransportClosed}
	}
	stdin := t.stdin
	t.mu.Unlock()

	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := t.writeFrame(stdin, data); err != nil {
		return &ConnectionLost{Server: t.config.Name, Err: err}
	}
	return nil
}

// writeFrame writes one newline-delimited frame. stdin is
// single-writer; the mutex keeps concurrent calls from interleaving.
func (t *StdioTransport) writeFrame(w io.Writer, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// readPump reads frames from stdout until the stream ends, routing
// each to the pending call matching its ID. Stream end fails every
// call pending against this process generation and reaps the process
// so a later Start can relaunch.
func (t *StdioTransport) readPump(r *bufio.Reader, pending *pendingCalls, cmd *exec.Cmd) {
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			abandoned := pending.size()
			pending.failAll(&ConnectionLost{Server: t.config.Name, Err: err})

			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.logger.Warn("MCP subprocess stream ended",
					"error", err,
					"abandoned_calls", abandoned,
				)
			}
			t.reap(cmd)
			return
		}
		t.route(line, pending)
	}
}

// reap collects the exit status of a process whose stdout has ended,
// unless Close already did. Clearing cmd lets Start relaunch.
func (t *StdioTransport) reap(cmd *exec.Cmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != cmd {
		// Close or a later Start already took ownership.
		return
	}
	_ = cmd.Wait()
	t.cmd = nil
	t.stdin = nil
}

// route classifies one inbound line. Responses go to their pending
// call; everything else (non-JSON noise, server-initiated requests,
// notifications, unknown IDs) is logged and dropped — a protocol
// violation is not fatal.
func (t *StdioTransport) route(line []byte, pending *pendingCalls) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var f frame
	if err := json.Unmarshal(line, &f); err != nil {
		t.logger.Debug("dropping non-JSON line from MCP server", "line", string(line))
		return
	}

	if !f.isResponse() {
		t.logger.Debug("dropping server-initiated frame", "method", f.Method)
		return
	}

	if !pending.resolve(f.response()) {
		t.logger.Debug("dropping response with no pending call", "id", *f.ID)
	}
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Close terminates the subprocess: stdin is closed to signal shutdown,
// and after a grace period the process is killed. Pending calls fail
// with ConnectionLost. Idempotent.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.pending != nil {
		t.pending.failAll(&ConnectionLost{Server: t.config.Name, Err: errTransportClosed})
	}

	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	if t.stdin != nil {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	go func(cmd *exec.Cmd) { done <- cmd.Wait() }(t.cmd)

	select {
	case err := <-done:
		t.cmd = nil
		return err
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-done
		t.cmd = nil
		return nil
	}
}

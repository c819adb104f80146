package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// clientName and clientVersion identify us in the initialize handshake.
const (
	clientName    = "relay"
	clientVersion = "0.1.0"
)

// defaultHandshakeTimeout bounds initialize and tools/list when the
// config does not supply one. It is deliberately shorter than typical
// invocation timeouts — a server that cannot handshake quickly is
// treated as down, not slow.
const defaultHandshakeTimeout = 10 * time.Second

// State is the lifecycle state of a connection.
type State int32

const (
	// StateStarting means the handshake has not completed yet.
	StateStarting State = iota

	// StateReady means the server answered the handshake and accepts calls.
	StateReady

	// StateDegraded means the server stopped responding; the
	// connection is excluded from catalog builds until it recovers.
	StateDegraded

	// StateClosed means the connection was shut down or its process
	// exited. Terminal unless restarted.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ToolDef is an MCP tool as returned by tools/list.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDef `json:"tools"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      serverInfo `json:"serverInfo"`
}

// ConnConfig configures a connection to one MCP server.
type ConnConfig struct {
	// Name identifies the server; it becomes the namespace component
	// of qualified tool names.
	Name string

	// Transport delivers frames to the server.
	Transport Transport

	// HandshakeTimeout bounds initialize and tools/list. Zero means
	// defaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// Logger is the structured logger. slog.Default() if nil.
	Logger *slog.Logger
}

// Conn is a connection to one MCP server: the transport plus MCP
// semantics (handshake, discovery, invocation, health checks) and the
// Starting/Ready/Degraded/Closed lifecycle.
type Conn struct {
	name             string
	transport        Transport
	logger           *slog.Logger
	handshakeTimeout time.Duration
	state            atomic.Int32

	mu         sync.RWMutex
	serverName string
	serverVer  string
	tools      []ToolDef
}

// NewConn creates a connection in the Starting state. Call Start to
// launch the server and perform the handshake.
func NewConn(cfg ConnConfig) *Conn {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	c := &Conn{
		name:             cfg.Name,
		transport:        cfg.Transport,
		logger:           logger.With("server", cfg.Name),
		handshakeTimeout: timeout,
	}
	c.state.Store(int32(StateStarting))
	return c
}

// Name returns the server name this connection is bound to.
func (c *Conn) Name() string { return c.name }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// MarkDegraded flags the connection as unresponsive. Degraded
// connections are excluded from catalog builds until Start succeeds
// again.
func (c *Conn) MarkDegraded() {
	if c.State() == StateReady {
		c.setState(StateDegraded)
		c.logger.Warn("connection degraded")
	}
}

// Start launches the server and performs the MCP handshake: the
// initialize request followed by the notifications/initialized
// notification. On success the connection is Ready. Any failure —
// spawn, dial, or a server that exits before answering — is a
// LaunchError and the connection is unusable.
//
// Start is also the recovery path: calling it on a Degraded connection
// relaunches the transport, redoes the handshake, and invalidates the
// cached tool list.
func (c *Conn) Start(ctx context.Context) error {
	c.setState(StateStarting)
	c.invalidateTools()

	if err := c.transport.Start(ctx); err != nil {
		c.setState(StateClosed)
		return &LaunchError{Server: c.name, Err: err}
	}

	hsCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}

	raw, err := c.transport.Call(hsCtx, "initialize", params)
	if err != nil {
		c.setState(StateClosed)
		return &LaunchError{Server: c.name, Err: fmt.Errorf("initialize: %w", err)}
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.setState(StateClosed)
		return &LaunchError{Server: c.name, Err: &ProtocolError{
			Server: c.name,
			Detail: "malformed initialize result",
			Err:    err,
		}}
	}

	if err := c.transport.Notify(hsCtx, "notifications/initialized", nil); err != nil {
		c.setState(StateClosed)
		return &LaunchError{Server: c.name, Err: fmt.Errorf("send initialized notification: %w", err)}
	}

	c.mu.Lock()
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.mu.Unlock()

	c.setState(StateReady)

	c.logger.Info("MCP server ready",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ListTools calls tools/list and returns the advertised tool
// definitions. Results are cached until the connection is restarted.
func (c *Conn) ListTools(ctx context.Context) ([]ToolDef, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	listCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	raw, err := c.transport.Call(listCtx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", c.normalizeErr(err, "", c.handshakeTimeout, ctx, listCtx))
	}

	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Server: c.name, Detail: "malformed tools/list result", Err: err}
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered tools", "count", len(result.Tools))
	return result.Tools, nil
}

// Invoke calls a tool by its server-side name with the given arguments
// and per-call timeout. The result is the concatenated text of the
// response content blocks. A timeout abandons only this call — the
// connection remains usable, and a late response is dropped by the
// transport. Any number of invokes may be in flight concurrently.
func (c *Conn) Invoke(ctx context.Context, name string, args map[string]any, timeout time.Duration) (string, error) {
	if s := c.State(); s == StateClosed {
		return "", &ConnectionLost{Server: c.name, Err: errTransportClosed}
	}

	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := c.transport.Call(callCtx, "tools/call", params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, c.normalizeErr(err, name, timeout, ctx, callCtx))
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", &ProtocolError{Server: c.name, Detail: "malformed tools/call result", Err: err}
	}

	text := extractText(result.Content)

	if result.IsError {
		return "", fmt.Errorf("tool %s reported error: %s", name, text)
	}
	return text, nil
}

// Ping checks whether the server is responsive. Used by the health
// watcher.
func (c *Conn) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	_, err := c.transport.Call(pingCtx, "ping", nil)
	return err
}

// Close shuts the connection down. Pending calls fail with
// ConnectionLost inside the transport. Idempotent.
func (c *Conn) Close() error {
	if c.State() == StateClosed {
		return nil
	}
	c.setState(StateClosed)
	c.logger.Info("closing connection")
	return c.transport.Close()
}

// normalizeErr maps transport errors to the connection-level taxonomy:
// a deadline we imposed becomes TimeoutError, a lost connection marks
// the state Degraded so catalog rebuilds skip this server.
func (c *Conn) normalizeErr(err error, tool string, timeout time.Duration, parent, call context.Context) error {
	if errors.Is(call.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		return &TimeoutError{Server: c.name, Tool: tool, Timeout: timeout}
	}

	var lost *ConnectionLost
	if errors.As(err, &lost) {
		c.MarkDegraded()
	}
	return err
}

func (c *Conn) invalidateTools() {
	c.mu.Lock()
	c.tools = nil
	c.mu.Unlock()
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

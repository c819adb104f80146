package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsDialTimeout bounds the WebSocket handshake with the remote server.
const wsDialTimeout = 15 * time.Second

// WSConfig configures a WebSocket transport that communicates with a
// remote MCP server over a persistent connection.
type WSConfig struct {
	// Name identifies the server in logs and errors.
	Name string

	// URL is the ws:// or wss:// endpoint.
	URL string

	// Headers are additional HTTP headers sent with the handshake
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport talks to a remote MCP server over WebSocket. Each
// JSON-RPC message is one text frame. gorilla/websocket permits a
// single concurrent writer, so outbound frames are serialized by a
// mutex; the read pump routes inbound frames to pending calls by ID.
type WSTransport struct {
	config WSConfig
	logger *slog.Logger
	nextID atomic.Int64

	writeMu sync.Mutex

	mu      sync.Mutex
	ws      *websocket.Conn
	pending *pendingCalls
	closed  bool
}

// NewWSTransport creates a WebSocket transport for the given config.
// The connection is not dialed until Start is called.
func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		config: cfg,
		logger: logger.With("server", cfg.Name),
	}
}

// Start dials the endpoint and starts the read pump. If a previous
// connection has dropped, Start dials a fresh one.
func (t *WSTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &ConnectionLost{Server: t.config.Name, Err: errTransportClosed}
	}
	if t.ws != nil && t.pending.terminal() == nil {
		// Connection is still live.
		return nil
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, t.config.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	t.ws = ws
	t.pending = newPendingCalls()

	go t.readPump(ws, t.pending)

	t.logger.Info("MCP WebSocket connected", "url", t.config.URL)
	return nil
}

// Call sends a request frame and waits for the response with the
// matching ID.
func (t *WSTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &ConnectionLost{Server: t.config.Name, Err: errTransportClosed}
	}
	if t.ws == nil {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s not started", t.config.Name)
	}
	pending, ws := t.pending, t.ws
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

	if err := t.writeFrame(ws, data); err != nil {
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

// Notify sends a notification frame. No response is expected.
func (t *WSTransport) Notify(_ context.Context, method string, params any) error {
	t.mu.Lock()
	if t.closed || t.ws == nil {
		t.mu.Unlock()
		return &ConnectionLost{Server: t.config.Name, Err: errTransportClosed}
	}
	ws := t.ws
	t.mu.Unlock()

	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	if err := t.writeFrame(ws, data); err != nil {
		return &ConnectionLost{Server: t.config.Name, Err: err}
	}
	return nil
}

// writeFrame writes one text frame under the single-writer mutex.
func (t *WSTransport) writeFrame(ws *websocket.Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readPump reads frames until the connection drops, routing each to
// the pending call matching its ID.
func (t *WSTransport) readPump(ws *websocket.Conn, pending *pendingCalls) {
	for {
		_, line, err := ws.ReadMessage()
		if err != nil {
			abandoned := pending.size()
			pending.failAll(&ConnectionLost{Server: t.config.Name, Err: err})

			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.logger.Warn("MCP WebSocket dropped",
					"error", err,
					"abandoned_calls", abandoned,
				)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			t.logger.Debug("dropping non-JSON frame from MCP server", "frame", string(line))
			continue
		}
		if !f.isResponse() {
			t.logger.Debug("dropping server-initiated frame", "method", f.Method)
			continue
		}
		if !pending.resolve(f.response()) {
			t.logger.Debug("dropping response with no pending call", "id", *f.ID)
		}
	}
}

// Close sends a close frame, tears the connection down, and fails
// pending calls with ConnectionLost. Idempotent.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if t.pending != nil {
		t.pending.failAll(&ConnectionLost{Server: t.config.Name, Err: errTransportClosed})
	}

	if t.ws == nil {
		return nil
	}

	t.writeMu.Lock()
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	err := t.ws.Close()
	t.ws = nil
	return err
}

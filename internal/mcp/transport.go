package mcp

import (
	"context"
	"encoding/json"
)

// Transport moves JSON-RPC frames to and from one tool server and
// correlates responses to requests by ID. Implementations allow many
// calls to be in flight concurrently; outbound writes are serialized
// internally, inbound frames are routed to whichever call they answer.
type Transport interface {
	// Start establishes the connection: spawns the subprocess or
	// dials the remote endpoint, and starts the read pump. Calling
	// Start on a transport whose process has since exited relaunches
	// it.
	Start(ctx context.Context) error

	// Call sends a request and blocks until the matching response
	// arrives, the context is done, or the connection fails. A
	// context error abandons the pending call without disturbing
	// sibling calls.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Close shuts the connection down and fails all pending calls
	// with ConnectionLost. Idempotent.
	Close() error
}

package mcp

import (
	"fmt"
	"time"
)

// LaunchError indicates a tool server could not be started: the
// process failed to spawn, the endpoint could not be dialed, or the
// server exited before completing the initialize handshake. The
// connection is unusable and is excluded from catalog builds.
type LaunchError struct {
	Server string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Server, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ProtocolError indicates the server sent a frame we could not make
// sense of (malformed JSON, wrong result shape). It is recoverable at
// the connection level — individual frames are dropped — but surfaces
// as a failure for the operation that was waiting on the payload.
type ProtocolError struct {
	Server string
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error from %s: %s: %v", e.Server, e.Detail, e.Err)
	}
	return fmt.Sprintf("protocol error from %s: %s", e.Server, e.Detail)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError indicates a call got no response within its deadline.
// The pending call is abandoned; the connection stays alive and later
// calls proceed normally. A late response for the abandoned call is
// logged and dropped by the read pump.
type TimeoutError struct {
	Server  string
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Tool != "" {
		return fmt.Sprintf("%s: tool %s timed out after %s", e.Server, e.Tool, e.Timeout)
	}
	return fmt.Sprintf("%s: call timed out after %s", e.Server, e.Timeout)
}

// ConnectionLost indicates the server process exited or its stream
// closed. Every call pending on the connection fails with this error
// and the connection is marked degraded until a restart succeeds.
type ConnectionLost struct {
	Server string
	Err    error
}

func (e *ConnectionLost) Error() string {
	return fmt.Sprintf("connection to %s lost: %v", e.Server, e.Err)
}

func (e *ConnectionLost) Unwrap() error { return e.Err }

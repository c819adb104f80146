// Package mcp implements the client side of the Model Context Protocol:
// launching and talking to external tool servers, discovering the tools
// they advertise, and invoking those tools on behalf of the reasoning
// loop.
//
// MCP uses JSON-RPC 2.0 over a transport. Relay supports two: stdio
// (the server runs as a subprocess, frames are newline-delimited on
// stdin/stdout) and WebSocket (the server is a remote endpoint holding
// a persistent connection). Both transports allow many calls to be
// outstanding at once; responses are correlated to requests by ID, not
// by arrival order.
//
// A Conn layers MCP semantics on a Transport: the initialize handshake,
// tools/list discovery, tools/call invocation, and ping health checks.
// Relay is a client/host only — it never acts as an MCP server.
package mcp

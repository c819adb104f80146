package llm

import "context"

// Client is the interface a reasoning-model provider must implement.
type Client interface {
	// Chat sends a chat completion request with the given tool
	// definitions and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Package convo drives one conversation: the loop that alternates
// between a reasoning call and tool execution until the model produces
// a final answer.
//
// History is an append-only ordered sequence of messages — user text,
// assistant output (text and/or requested tool calls), and tool
// results. Nothing is ever removed or reordered; the model replays the
// full context every turn.
package convo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cobaltforge/relay/internal/catalog"
	"github.com/cobaltforge/relay/internal/dispatch"
	"github.com/cobaltforge/relay/internal/llm"
)

// Reasoner is the reasoning collaborator: given the history so far and
// the current tool catalog, it emits text and/or requested tool calls.
// The controller never interprets the text; it branches only on
// whether tool calls are present.
type Reasoner interface {
	Reason(ctx context.Context, history []llm.Message, tools []map[string]any) (*llm.Message, error)
}

// Executor runs one turn's batch of tool calls. *dispatch.Dispatcher
// implements it.
type Executor interface {
	Execute(ctx context.Context, calls []dispatch.Call) []dispatch.Result
}

// Recorder receives every message appended to a conversation, in
// order. Optional; used for transcript persistence.
type Recorder interface {
	Append(conversationID string, m llm.Message) error
}

// IterationLimitError reports that a conversation hit its
// reasoning/execution cycle limit without producing a final answer.
type IterationLimitError struct {
	Limit int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("iteration limit exceeded after %d tool cycles", e.Limit)
}

// ModelReasoner adapts an llm.Client as a Reasoner.
type ModelReasoner struct {
	Client llm.Client
	Model  string
}

// Reason performs one chat call and returns the assistant message.
func (r *ModelReasoner) Reason(ctx context.Context, history []llm.Message, tools []map[string]any) (*llm.Message, error) {
	resp, err := r.Client.Chat(ctx, r.Model, history, tools)
	if err != nil {
		return nil, err
	}
	msg := resp.Message
	if msg.Role == "" {
		msg.Role = "assistant"
	}
	return &msg, nil
}

// Config wires a Controller.
type Config struct {
	Reasoner Reasoner
	Executor Executor
	Catalogs *catalog.Holder

	// MaxIterations bounds Reasoning→Executing cycles. Zero means no
	// limit; the embedding application is expected to supply one to
	// guard against infinite tool-call loops.
	MaxIterations int

	// SystemPrompt, when non-empty, seeds the history before the user
	// message.
	SystemPrompt string

	// Recorder persists messages as they are appended. Optional.
	Recorder Recorder

	// Logger is the structured logger. slog.Default() if nil.
	Logger *slog.Logger
}

// Outcome is the result of a completed conversation.
type Outcome struct {
	ConversationID string
	Answer         string
	Cycles         int
	History        []llm.Message
}

// Controller runs conversations against a fixed set of collaborators.
type Controller struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a controller. Reasoner, Executor, and Catalogs are
// required.
func New(cfg Config) (*Controller, error) {
	if cfg.Reasoner == nil {
		return nil, fmt.Errorf("reasoner is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if cfg.Catalogs == nil {
		return nil, fmt.Errorf("catalog holder is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cfg: cfg, logger: logger}, nil
}

// Run executes one conversation seeded with the given user message and
// returns its outcome. The loop: call the reasoner with the full
// history and the current catalog; if it requested tool calls, execute
// the batch, append the results in request order, and go again; if
// not, its text is the final answer.
//
// A reasoner error or an exceeded iteration limit terminates the
// conversation with an error. Tool failures do not — they are appended
// as data for the model to react to. Cancellation is honored at the
// top of each phase and, mid-batch, by the executor.
func (c *Controller) Run(ctx context.Context, userMessage string) (*Outcome, error) {
	convID := uuid.NewString()
	logger := c.logger.With("conversation", convID)

	var history []llm.Message
	appendMsg := func(m llm.Message) {
		history = append(history, m)
		if c.cfg.Recorder != nil {
			if err := c.cfg.Recorder.Append(convID, m); err != nil {
				logger.Warn("transcript append failed", "error", err)
			}
		}
	}

	if c.cfg.SystemPrompt != "" {
		appendMsg(llm.Message{Role: "system", Content: c.cfg.SystemPrompt})
	}
	appendMsg(llm.Message{Role: "user", Content: userMessage})

	cycles := 0
	for {
		// Reasoning phase.
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("conversation cancelled: %w", err)
		}

		cat := c.cfg.Catalogs.Current()
		tools := cat.Tools()

		logger.Debug("reasoning", "cycle", cycles, "history", len(history), "tools", len(tools))

		msg, err := c.cfg.Reasoner.Reason(ctx, history, tools)
		if err != nil {
			return nil, fmt.Errorf("reasoning failed: %w", err)
		}

		// Give every requested call a correlation ID before the
		// message enters history, so tool results can reference it.
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == "" {
				msg.ToolCalls[i].ID = uuid.NewString()
			}
		}
		appendMsg(*msg)

		if len(msg.ToolCalls) == 0 {
			logger.Info("conversation done", "cycles", cycles, "history", len(history))
			return &Outcome{
				ConversationID: convID,
				Answer:         msg.Content,
				Cycles:         cycles,
				History:        history,
			}, nil
		}

		if c.cfg.MaxIterations > 0 && cycles >= c.cfg.MaxIterations {
			logger.Warn("iteration limit reached", "limit", c.cfg.MaxIterations)
			return nil, &IterationLimitError{Limit: c.cfg.MaxIterations}
		}

		// Executing phase.
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("conversation cancelled: %w", err)
		}

		calls := make([]dispatch.Call, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			calls[i] = dispatch.Call{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: tc.Function.Arguments,
			}
		}

		logger.Info("executing tool batch", "cycle", cycles, "calls", len(calls))

		results := c.cfg.Executor.Execute(ctx, calls)
		for _, res := range results {
			content := res.Output
			if !res.OK {
				content = "Error: " + res.Error
			}
			appendMsg(llm.Message{
				Role:       "tool",
				Content:    content,
				ToolCallID: res.ID,
			})
		}

		cycles++
	}
}

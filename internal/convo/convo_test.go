package convo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cobaltforge/relay/internal/catalog"
	"github.com/cobaltforge/relay/internal/dispatch"
	"github.com/cobaltforge/relay/internal/llm"
)

// scriptReasoner plays back a fixed sequence of assistant turns.
type scriptReasoner struct {
	steps []scriptStep
	turn  int

	histories [][]llm.Message // history snapshot seen each turn
}

type scriptStep struct {
	msg *llm.Message
	err error
}

func (r *scriptReasoner) Reason(_ context.Context, history []llm.Message, _ []map[string]any) (*llm.Message, error) {
	r.histories = append(r.histories, append([]llm.Message(nil), history...))
	if r.turn >= len(r.steps) {
		return nil, errors.New("script exhausted")
	}
	step := r.steps[r.turn]
	r.turn++
	if step.err != nil {
		return nil, step.err
	}
	m := *step.msg
	return &m, nil
}

// fakeExecutor records batches and answers each call from a canned
// output map; calls absent from the map fail.
type fakeExecutor struct {
	outputs map[string]string
	batches [][]dispatch.Call
}

func (e *fakeExecutor) Execute(_ context.Context, calls []dispatch.Call) []dispatch.Result {
	e.batches = append(e.batches, calls)
	results := make([]dispatch.Result, len(calls))
	for i, call := range calls {
		out, ok := e.outputs[call.Name]
		results[i] = dispatch.Result{ID: call.ID, Name: call.Name, OK: ok, Output: out}
		if !ok {
			results[i].Error = "unknown tool " + call.Name
		}
	}
	return results
}

// listRecorder accumulates appended messages per conversation.
type listRecorder struct {
	convID   string
	messages []llm.Message
}

func (r *listRecorder) Append(conversationID string, m llm.Message) error {
	r.convID = conversationID
	r.messages = append(r.messages, m)
	return nil
}

func toolCall(id, name string, args map[string]any) llm.ToolCall {
	tc := llm.ToolCall{ID: id}
	tc.Function.Name = name
	tc.Function.Arguments = args
	return tc
}

func textMsg(content string) *llm.Message {
	return &llm.Message{Role: "assistant", Content: content}
}

func callMsg(calls ...llm.ToolCall) *llm.Message {
	return &llm.Message{Role: "assistant", ToolCalls: calls}
}

func emptyHolder() *catalog.Holder {
	return catalog.NewHolder(catalog.Build(context.Background(), nil, nil))
}

func newController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.Catalogs == nil {
		cfg.Catalogs = emptyHolder()
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	reasoner := &scriptReasoner{}
	executor := &fakeExecutor{}
	holder := emptyHolder()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing reasoner", Config{Executor: executor, Catalogs: holder}},
		{"missing executor", Config{Reasoner: reasoner, Catalogs: holder}},
		{"missing catalogs", Config{Reasoner: reasoner, Executor: executor}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() = nil, want error")
			}
		})
	}
}

func TestRunDirectAnswer(t *testing.T) {
	reasoner := &scriptReasoner{steps: []scriptStep{
		{msg: textMsg("the answer is 4")},
	}}
	executor := &fakeExecutor{}
	c := newController(t, Config{Reasoner: reasoner, Executor: executor})

	outcome, err := c.Run(context.Background(), "what is 2+2?")
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if outcome.Answer != "the answer is 4" {
		t.Errorf("Answer = %q", outcome.Answer)
	}
	if outcome.Cycles != 0 {
		t.Errorf("Cycles = %d, want 0", outcome.Cycles)
	}
	if len(executor.batches) != 0 {
		t.Errorf("executor ran %d batches, want 0", len(executor.batches))
	}
	if len(outcome.History) != 2 {
		t.Fatalf("History = %d messages, want 2", len(outcome.History))
	}
	if outcome.History[0].Role != "user" || outcome.History[1].Role != "assistant" {
		t.Errorf("History roles = [%s %s], want [user assistant]",
			outcome.History[0].Role, outcome.History[1].Role)
	}
}

func TestRunToolCycleThenAnswer(t *testing.T) {
	reasoner := &scriptReasoner{steps: []scriptStep{
		{msg: callMsg(toolCall("call-1", "list_dir", map[string]any{"path": "/tmp"}))},
		{msg: textMsg("the directory holds a.txt")},
	}}
	executor := &fakeExecutor{outputs: map[string]string{"list_dir": "a.txt"}}
	c := newController(t, Config{Reasoner: reasoner, Executor: executor})

	outcome, err := c.Run(context.Background(), "what is in /tmp?")
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if outcome.Answer != "the directory holds a.txt" {
		t.Errorf("Answer = %q", outcome.Answer)
	}
	if outcome.Cycles != 1 {
		t.Errorf("Cycles = %d, want 1", outcome.Cycles)
	}

	if len(executor.batches) != 1 || len(executor.batches[0]) != 1 {
		t.Fatalf("executor batches = %v", executor.batches)
	}
	call := executor.batches[0][0]
	if call.ID != "call-1" || call.Name != "list_dir" {
		t.Errorf("dispatched call = %+v", call)
	}

	// History: user, assistant(tool calls), tool result, assistant answer.
	if len(outcome.History) != 4 {
		t.Fatalf("History = %d messages, want 4", len(outcome.History))
	}
	toolMsg := outcome.History[2]
	if toolMsg.Role != "tool" || toolMsg.Content != "a.txt" || toolMsg.ToolCallID != "call-1" {
		t.Errorf("tool result message = %+v", toolMsg)
	}

	// The second reasoning turn sees the tool result.
	if got := len(reasoner.histories[1]); got != 3 {
		t.Errorf("second turn saw %d messages, want 3", got)
	}
}

func TestRunPartialBatchFailureBecomesData(t *testing.T) {
	reasoner := &scriptReasoner{steps: []scriptStep{
		{msg: callMsg(
			toolCall("call-1", "good", nil),
			toolCall("call-2", "bad", nil),
		)},
		{msg: textMsg("partially done")},
	}}
	executor := &fakeExecutor{outputs: map[string]string{"good": "fine"}}
	c := newController(t, Config{Reasoner: reasoner, Executor: executor})

	outcome, err := c.Run(context.Background(), "do both")
	if err != nil {
		t.Fatalf("Run() = %v, failures must not end the conversation", err)
	}

	// Tool results land in request order: good then bad.
	if len(outcome.History) != 5 {
		t.Fatalf("History = %d messages, want 5", len(outcome.History))
	}
	good, bad := outcome.History[2], outcome.History[3]
	if good.ToolCallID != "call-1" || good.Content != "fine" {
		t.Errorf("first tool result = %+v", good)
	}
	if bad.ToolCallID != "call-2" || !strings.HasPrefix(bad.Content, "Error: ") {
		t.Errorf("second tool result = %+v, want Error: prefix", bad)
	}
}

func TestRunIterationLimit(t *testing.T) {
	// The reasoner keeps asking for tools forever. With a limit of 2
	// the conversation executes exactly two batches, then fails when a
	// third is requested.
	loop := callMsg(toolCall("call-n", "spin", nil))
	reasoner := &scriptReasoner{steps: []scriptStep{
		{msg: loop}, {msg: loop}, {msg: loop}, {msg: loop},
	}}
	executor := &fakeExecutor{outputs: map[string]string{"spin": "again"}}
	c := newController(t, Config{Reasoner: reasoner, Executor: executor, MaxIterations: 2})

	_, err := c.Run(context.Background(), "loop forever")

	var limit *IterationLimitError
	if !errors.As(err, &limit) {
		t.Fatalf("Run() = %v, want IterationLimitError", err)
	}
	if limit.Limit != 2 {
		t.Errorf("IterationLimitError.Limit = %d, want 2", limit.Limit)
	}
	if got := len(executor.batches); got != 2 {
		t.Errorf("executor ran %d batches, want exactly 2", got)
	}
}

func TestRunReasonerError(t *testing.T) {
	cause := errors.New("model unavailable")
	reasoner := &scriptReasoner{steps: []scriptStep{{err: cause}}}
	c := newController(t, Config{Reasoner: reasoner, Executor: &fakeExecutor{}})

	_, err := c.Run(context.Background(), "hello")

	if !errors.Is(err, cause) {
		t.Fatalf("Run() = %v, want wrapped cause", err)
	}
	if !strings.Contains(err.Error(), "reasoning failed") {
		t.Errorf("Run() = %v, want reasoning failed prefix", err)
	}
}

func TestRunAssignsMissingToolCallIDs(t *testing.T) {
	reasoner := &scriptReasoner{steps: []scriptStep{
		{msg: callMsg(toolCall("", "list_dir", nil))},
		{msg: textMsg("done")},
	}}
	executor := &fakeExecutor{outputs: map[string]string{"list_dir": "a.txt"}}
	c := newController(t, Config{Reasoner: reasoner, Executor: executor})

	outcome, err := c.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	dispatched := executor.batches[0][0]
	if dispatched.ID == "" {
		t.Fatal("dispatched call has no correlation ID")
	}
	// The ID in history matches the one carried back on the result.
	assistant := outcome.History[1]
	if assistant.ToolCalls[0].ID != dispatched.ID {
		t.Errorf("history tool call ID %q != dispatched %q", assistant.ToolCalls[0].ID, dispatched.ID)
	}
	if outcome.History[2].ToolCallID != dispatched.ID {
		t.Errorf("tool result references %q, want %q", outcome.History[2].ToolCallID, dispatched.ID)
	}
}

func TestRunRecorderSeesEveryMessageInOrder(t *testing.T) {
	reasoner := &scriptReasoner{steps: []scriptStep{
		{msg: callMsg(toolCall("call-1", "list_dir", nil))},
		{msg: textMsg("done")},
	}}
	executor := &fakeExecutor{outputs: map[string]string{"list_dir": "a.txt"}}
	recorder := &listRecorder{}
	c := newController(t, Config{
		Reasoner:     reasoner,
		Executor:     executor,
		Recorder:     recorder,
		SystemPrompt: "you are a tool-using assistant",
	})

	outcome, err := c.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if recorder.convID != outcome.ConversationID {
		t.Errorf("recorder conversation = %q, want %q", recorder.convID, outcome.ConversationID)
	}
	if len(recorder.messages) != len(outcome.History) {
		t.Fatalf("recorder saw %d messages, history has %d", len(recorder.messages), len(outcome.History))
	}
	for i, m := range recorder.messages {
		if m.Role != outcome.History[i].Role || m.Content != outcome.History[i].Content {
			t.Errorf("recorded[%d] = %+v, history = %+v", i, m, outcome.History[i])
		}
	}
	if recorder.messages[0].Role != "system" {
		t.Errorf("first recorded role = %q, want system", recorder.messages[0].Role)
	}
}

func TestRunSystemPromptSeedsHistory(t *testing.T) {
	reasoner := &scriptReasoner{steps: []scriptStep{{msg: textMsg("hi")}}}
	c := newController(t, Config{
		Reasoner:     reasoner,
		Executor:     &fakeExecutor{},
		SystemPrompt: "be terse",
	})

	outcome, err := c.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run() = %v", err)
	}

	if outcome.History[0].Role != "system" || outcome.History[0].Content != "be terse" {
		t.Errorf("History[0] = %+v, want the system prompt", outcome.History[0])
	}
	if outcome.History[1].Role != "user" {
		t.Errorf("History[1].Role = %q, want user", outcome.History[1].Role)
	}
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reasoner := &scriptReasoner{steps: []scriptStep{{msg: textMsg("never")}}}
	c := newController(t, Config{Reasoner: reasoner, Executor: &fakeExecutor{}})

	if _, err := c.Run(ctx, "hello"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestRunDeterministicReplay(t *testing.T) {
	// Two runs over the same script produce identical histories when
	// the script supplies every correlation ID itself.
	script := func() *scriptReasoner {
		return &scriptReasoner{steps: []scriptStep{
			{msg: callMsg(toolCall("call-1", "list_dir", map[string]any{"path": "/tmp"}))},
			{msg: textMsg("done")},
		}}
	}

	run := func() []llm.Message {
		executor := &fakeExecutor{outputs: map[string]string{"list_dir": "a.txt"}}
		c := newController(t, Config{Reasoner: script(), Executor: executor})
		outcome, err := c.Run(context.Background(), "go")
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
		return outcome.History
	}

	first, second := run(), run()
	if len(first) != len(second) {
		t.Fatalf("history lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Role != second[i].Role ||
			first[i].Content != second[i].Content ||
			first[i].ToolCallID != second[i].ToolCallID {
			t.Errorf("histories diverge at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

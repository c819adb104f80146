package transcript

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/cobaltforge/relay/internal/llm"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "transcript.db"))
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndMessagesRoundTrip(t *testing.T) {
	s := openStore(t)

	call := llm.ToolCall{ID: "call-1"}
	call.Function.Name = "list_dir"
	call.Function.Arguments = map[string]any{"path": "/tmp"}

	msgs := []llm.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "what is in /tmp?"},
		{Role: "assistant", ToolCalls: []llm.ToolCall{call}},
		{Role: "tool", Content: "a.txt", ToolCallID: "call-1"},
		{Role: "assistant", Content: "the directory holds a.txt"},
	}
	for _, m := range msgs {
		if err := s.Append("conv-1", m); err != nil {
			t.Fatalf("Append() = %v", err)
		}
	}

	got, err := s.Messages("conv-1")
	if err != nil {
		t.Fatalf("Messages() = %v", err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("Messages() = %d messages, want %d", len(got), len(msgs))
	}

	for i, want := range msgs {
		if got[i].Role != want.Role || got[i].Content != want.Content || got[i].ToolCallID != want.ToolCallID {
			t.Errorf("message[%d] = %+v, want %+v", i, got[i], want)
		}
	}

	// Tool calls survive the JSON round trip intact.
	gotCalls := got[2].ToolCalls
	if len(gotCalls) != 1 || gotCalls[0].ID != "call-1" || gotCalls[0].Function.Name != "list_dir" {
		t.Fatalf("ToolCalls = %+v", gotCalls)
	}
	if !reflect.DeepEqual(gotCalls[0].Function.Arguments, map[string]any{"path": "/tmp"}) {
		t.Errorf("Arguments = %v", gotCalls[0].Function.Arguments)
	}
}

func TestMessagesUnknownConversation(t *testing.T) {
	s := openStore(t)

	got, err := s.Messages("never-seen")
	if err != nil {
		t.Fatalf("Messages() = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Messages() = %v, want empty", got)
	}
}

func TestConversationsMostRecentFirst(t *testing.T) {
	s := openStore(t)

	for _, conv := range []string{"conv-a", "conv-b"} {
		if err := s.Append(conv, llm.Message{Role: "user", Content: "hi"}); err != nil {
			t.Fatalf("Append(%s) = %v", conv, err)
		}
	}
	// A later append to conv-a makes it the most recent.
	if err := s.Append("conv-a", llm.Message{Role: "assistant", Content: "hello"}); err != nil {
		t.Fatalf("Append() = %v", err)
	}

	got, err := s.Conversations()
	if err != nil {
		t.Fatalf("Conversations() = %v", err)
	}
	want := []string{"conv-a", "conv-b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Conversations() = %v, want %v", got, want)
	}
}

func TestStoreReopenKeepsMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.db")

	s, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() = %v", err)
	}
	if err := s.Append("conv-1", llm.Message{Role: "user", Content: "persist me"}); err != nil {
		t.Fatalf("Append() = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	reopened, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() reopen = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Messages("conv-1")
	if err != nil {
		t.Fatalf("Messages() = %v", err)
	}
	if len(got) != 1 || got[0].Content != "persist me" {
		t.Errorf("Messages() after reopen = %+v", got)
	}
}

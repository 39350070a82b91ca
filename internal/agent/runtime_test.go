package agent

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadHistory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s1.jsonl")
	err := appendTranscript(path,
		transcriptLine{Type: "header"},
		transcriptLine{Role: "user", Content: "hello"},
		transcriptLine{Role: "assistant", Content: "hi there"},
		transcriptLine{Role: "toolResult", Content: "tool output"},
	)
	if err != nil {
		t.Fatalf("appendTranscript: %v", err)
	}

	history, err := loadHistory(path)
	if err != nil {
		t.Fatalf("loadHistory: %v", err)
	}
	// Header is skipped; role-bearing lines replay.
	if len(history) != 3 {
		t.Fatalf("history has %d lines, want 3", len(history))
	}
	if history[0].Role != "user" || history[0].Content != "hello" {
		t.Fatalf("unexpected first line: %+v", history[0])
	}
}

func TestLoadHistory_MissingFileIsEmpty(t *testing.T) {
	history, err := loadHistory(filepath.Join(t.TempDir(), "nope.jsonl"))
	if err != nil {
		t.Fatalf("loadHistory: %v", err)
	}
	if history != nil {
		t.Fatalf("expected nil history, got %v", history)
	}
}

func TestHistoryMessages_RoleMapping(t *testing.T) {
	msgs := historyMessages([]transcriptLine{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "system", Content: "c"},
		{Role: "tool", Content: "d"},
		{Role: "martian", Content: "e"},
	})
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4 (unknown roles dropped)", len(msgs))
	}
}

func TestModelName(t *testing.T) {
	tests := []struct {
		provider, model, want string
	}{
		{"google", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"anthropic", "claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"openai", "gpt-5", "openai/gpt-5"},
		{"openrouter", "anthropic/claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
	}
	for _, tt := range tests {
		if got := modelName(tt.provider, tt.model); got != tt.want {
			t.Errorf("modelName(%q, %q) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestSystemPrompt_FoldsLevels(t *testing.T) {
	r := &GenkitRuntime{}
	got := r.systemPrompt(RunInput{System: "You are a helper.", Thinking: "high", Verbose: "on"})
	for _, want := range []string{"You are a helper.", "thoroughly", "detailed"} {
		if !strings.Contains(got, want) {
			t.Fatalf("system prompt missing %q: %q", want, got)
		}
	}
	if r.systemPrompt(RunInput{}) != "" {
		t.Fatal("empty input should yield an empty system prompt")
	}
}

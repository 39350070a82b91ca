// Package agent defines the runtime that executes one conversational turn
// against an LLM provider, reading and extending the session's transcript.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Payload is one deliverable piece of agent output.
type Payload struct {
	Text     string `json:"text,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
}

// Usage is the token accounting for one run.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// RunInput is everything a runtime needs for one turn.
type RunInput struct {
	SessionID   string
	SessionFile string // JSONL transcript; read for history, appended on completion
	Prompt      string
	System      string // agent persona / system prompt
	SystemNote  string // out-of-band note prepended to the prompt (abort ack etc.)

	Provider string
	Model    string

	Thinking  string
	Verbose   string
	Reasoning string
	Elevated  string

	// OnChunk receives streamed output as it arrives. Optional.
	OnChunk func(text string) error
}

// RunResult is the outcome of one turn.
type RunResult struct {
	Payloads  []Payload
	Usage     Usage
	Aborted   bool // run was cut short by cancellation
	ModelUsed string
}

// Runtime executes agent turns. Implementations must honor ctx cancellation
// and report Aborted in the result rather than failing the run.
type Runtime interface {
	Run(ctx context.Context, in RunInput) (*RunResult, error)
}

// transcriptLine is the shape of one persisted message. Lines with other
// shapes (headers, tool traces) are preserved but not replayed as history.
type transcriptLine struct {
	Type    string `json:"type,omitempty"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	TS      int64  `json:"ts,omitempty"`
}

// loadHistory reads the replayable messages from a transcript. A missing
// file is an empty history, not an error.
func loadHistory(path string) ([]transcriptLine, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []transcriptLine
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var line transcriptLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			continue
		}
		if line.Type == "header" || line.Role == "" {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

// appendTranscript appends messages to the transcript file, creating it and
// its directory as needed.
func appendTranscript(path string, lines ...transcriptLine) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, line := range lines {
		if line.TS == 0 {
			line.TS = time.Now().UnixMilli()
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

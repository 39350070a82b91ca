package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/go-roost/internal/tokenutil"
)

// GenkitConfig configures the Genkit-backed runtime.
type GenkitConfig struct {
	// Provider is the default LLM provider: "google", "anthropic",
	// "openai", or "openrouter".
	Provider string
	APIKeys  map[string]string // provider -> key; env vars fill gaps
}

// GenkitRuntime executes turns through Genkit's provider plugins. When no
// API key is configured it degrades to a deterministic offline reply so the
// rest of the pipeline stays testable.
type GenkitRuntime struct {
	g      *genkit.Genkit
	cfg    GenkitConfig
	logger *slog.Logger
	llmOn  bool

	mu sync.Mutex // serializes transcript appends per process
}

// NewGenkitRuntime initializes Genkit with every provider that has a key.
func NewGenkitRuntime(ctx context.Context, cfg GenkitConfig, logger *slog.Logger) *GenkitRuntime {
	if logger == nil {
		logger = slog.Default()
	}

	var plugins []api.Plugin
	if key := cfg.key("anthropic", "ANTHROPIC_API_KEY"); key != "" {
		plugins = append(plugins, &anthropic.Anthropic{
			APIKey:  key,
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		})
	}
	if key := cfg.key("openai", "OPENAI_API_KEY"); key != "" {
		plugins = append(plugins, &compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   key,
			BaseURL:  os.Getenv("OPENAI_BASE_URL"),
		})
	}
	if key := cfg.key("openrouter", "OPENROUTER_API_KEY"); key != "" {
		plugins = append(plugins, &compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   key,
			BaseURL:  "https://openrouter.ai/api/v1",
		})
	}
	if key := cfg.key("google", "GEMINI_API_KEY"); key != "" {
		_ = os.Setenv("GEMINI_API_KEY", key)
		plugins = append(plugins, &googlegenai.GoogleAI{})
	}

	g := genkit.Init(ctx, genkit.WithPlugins(plugins...))
	if len(plugins) == 0 {
		logger.Warn("no provider API keys configured; runtime will answer with an offline notice")
	} else {
		logger.Info("genkit runtime initialized", "providers", len(plugins))
	}
	return &GenkitRuntime{g: g, cfg: cfg, logger: logger, llmOn: len(plugins) > 0}
}

func (c GenkitConfig) key(provider, envVar string) string {
	if k := strings.TrimSpace(c.APIKeys[provider]); k != "" {
		return k
	}
	return strings.TrimSpace(os.Getenv(envVar))
}

// modelName maps a provider/model pair to Genkit's plugin naming.
func modelName(provider, model string) string {
	switch strings.ToLower(provider) {
	case "google", "":
		return "googleai/" + model
	case "openrouter":
		return model
	default:
		return strings.ToLower(provider) + "/" + model
	}
}

// Run executes one turn: replay transcript history, generate, stream chunks
// to the caller, and append the exchange back to the transcript.
func (r *GenkitRuntime) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return nil, fmt.Errorf("empty prompt")
	}
	if in.SystemNote != "" {
		prompt = in.SystemNote + "\n\n" + prompt
	}

	if !r.llmOn {
		return r.offlineRun(in, prompt)
	}

	history, err := loadHistory(in.SessionFile)
	if err != nil {
		// History is an enhancement, not a prerequisite for the turn.
		r.logger.Warn("could not load transcript history", "session_id", in.SessionID, "error", err)
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(modelName(in.Provider, in.Model)),
		ai.WithPrompt(prompt),
	}
	if sys := r.systemPrompt(in); sys != "" {
		// Escape % so ai.WithSystem's Sprintf pass cannot corrupt it.
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(sys, "%", "%%")))
	}
	if msgs := historyMessages(history); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}
	if in.OnChunk != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			for _, part := range chunk.Content {
				if part.Kind == ai.PartText && part.Text != "" {
					if err := in.OnChunk(part.Text); err != nil {
						return err
					}
				}
			}
			return nil
		}))
	}

	resp, err := genkit.Generate(ctx, r.g, opts...)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &RunResult{Aborted: true, ModelUsed: in.Provider + "/" + in.Model}, nil
		}
		return nil, fmt.Errorf("generate: %w", err)
	}

	reply := resp.Text()
	result := &RunResult{
		Payloads:  []Payload{{Text: reply}},
		ModelUsed: in.Provider + "/" + in.Model,
	}
	if resp.Usage != nil {
		result.Usage = Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
	}

	r.persistTurn(in, prompt, reply)
	return result, nil
}

// offlineRun answers without a provider and still records the exchange.
func (r *GenkitRuntime) offlineRun(in RunInput, prompt string) (*RunResult, error) {
	reply := "No provider API key is configured; set one to enable full responses."
	if in.OnChunk != nil {
		_ = in.OnChunk(reply)
	}
	r.persistTurn(in, prompt, reply)
	return &RunResult{
		Payloads:  []Payload{{Text: reply}},
		ModelUsed: "offline",
		Usage: Usage{
			InputTokens:  tokenutil.EstimateTokens(prompt),
			OutputTokens: tokenutil.EstimateTokens(reply),
		},
	}, nil
}

func (r *GenkitRuntime) persistTurn(in RunInput, prompt, reply string) {
	if in.SessionFile == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	err := appendTranscript(in.SessionFile,
		transcriptLine{Role: "user", Content: prompt},
		transcriptLine{Role: "assistant", Content: reply},
	)
	if err != nil {
		r.logger.Warn("could not append transcript", "path", in.SessionFile, "error", err)
	}
}

// systemPrompt folds the level directives into the persona prompt. Thinking
// and verbosity are steered through instructions since not every provider
// exposes native knobs for them.
func (r *GenkitRuntime) systemPrompt(in RunInput) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(in.System))

	add := func(s string) {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s)
	}
	switch in.Thinking {
	case "low":
		add("Think briefly before answering.")
	case "medium":
		add("Reason through the problem step by step before answering.")
	case "high":
		add("Reason carefully and thoroughly before answering; double-check your conclusions.")
	}
	if in.Verbose == "on" {
		add("Give detailed, expansive answers.")
	}
	if in.Reasoning == "on" {
		add("Show your reasoning in the answer, then give the conclusion.")
	}
	return sb.String()
}

func historyMessages(items []transcriptLine) []*ai.Message {
	var msgs []*ai.Message
	for _, item := range items {
		var role ai.Role
		switch item.Role {
		case "user":
			role = ai.RoleUser
		case "assistant":
			role = ai.RoleModel
		case "system":
			role = ai.RoleSystem
		case "tool", "toolResult":
			role = ai.RoleTool
		default:
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(item.Content)},
		})
	}
	return msgs
}

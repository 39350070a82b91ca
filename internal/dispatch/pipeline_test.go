package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-roost/internal/agent"
	"github.com/basket/go-roost/internal/bus"
	"github.com/basket/go-roost/internal/coordinator"
	"github.com/basket/go-roost/internal/directive"
	"github.com/basket/go-roost/internal/modelcat"
	"github.com/basket/go-roost/internal/session"
)

// fakeRuntime records run inputs and answers instantly.
type fakeRuntime struct {
	mu     sync.Mutex
	inputs []agent.RunInput
	reply  string
}

func (f *fakeRuntime) Run(ctx context.Context, in agent.RunInput) (*agent.RunResult, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	if in.OnChunk != nil {
		_ = in.OnChunk(f.reply)
	}
	return &agent.RunResult{
		Payloads:  []agent.Payload{{Text: f.reply}},
		Usage:     agent.Usage{InputTokens: 11, OutputTokens: 7},
		ModelUsed: in.Provider + "/" + in.Model,
	}, nil
}

func (f *fakeRuntime) runs() []agent.RunInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]agent.RunInput, len(f.inputs))
	copy(out, f.inputs)
	return out
}

type delivered struct {
	mu       sync.Mutex
	targets  []Target
	payloads [][]agent.Payload
}

func (d *delivered) deliver(ctx context.Context, t Target, p []agent.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, t)
	d.payloads = append(d.payloads, p)
	return nil
}

func (d *delivered) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

type harness struct {
	pipeline *Pipeline
	sessions *session.Manager
	runtime  *fakeRuntime
	sink     *delivered
	coord    *coordinator.Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := session.NewStore(session.StoreOptions{})
	mgr := session.NewManager(store, session.ManagerConfig{
		DataDir: t.TempDir(),
		Keys:    session.KeyConfig{Scope: session.ScopePerSender},
		Reset:   session.ResetConfig{Default: session.ResetPolicy{IdleThreshold: time.Hour}},
	}, nil, nil)

	catalog, err := modelcat.New([]modelcat.Model{
		{Provider: "openai", Name: "gpt-5", ContextWindow: 400000},
		{Provider: "openai", Name: "gpt-5-mini", ContextWindow: 400000},
	}, "openai/gpt-5", nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	events := bus.New()
	resolver := directive.NewResolver(mgr, catalog, directive.Defaults{}, directive.Defaults{}, events, nil)
	rt := &fakeRuntime{reply: "the answer"}
	sink := &delivered{}
	disp := NewDispatcher(mgr, resolver, rt, sink.deliver, events, "You are roost.", nil)
	coord := coordinator.New(disp, events, nil, nil)
	disp.BindCoordinator(coord)
	pipe := NewPipeline(mgr, resolver, coord, PipelineConfig{RunTimeout: 5 * time.Second}, nil)

	return &harness{pipeline: pipe, sessions: mgr, runtime: rt, sink: sink, coord: coord}
}

func inbound(body string) InboundMessage {
	return InboundMessage{
		AgentID:    "roost",
		Channel:    "telegram",
		SenderID:   "42",
		ChatType:   "direct",
		Body:       body,
		Authorized: true,
	}
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.coord.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func TestHandle_RunsAndDelivers(t *testing.T) {
	h := newHarness(t)

	rec, err := h.pipeline.Handle(context.Background(), inbound("what is the answer?"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rec.Started || rec.RunID == "" {
		t.Fatalf("expected a started run: %+v", rec)
	}
	h.drain(t)

	runs := h.runtime.runs()
	if len(runs) != 1 {
		t.Fatalf("runtime saw %d runs, want 1", len(runs))
	}
	if runs[0].Prompt != "what is the answer?" || runs[0].Provider != "openai" || runs[0].Model != "gpt-5" {
		t.Fatalf("unexpected run input: %+v", runs[0])
	}
	if h.sink.count() != 1 {
		t.Fatalf("delivered %d times, want 1", h.sink.count())
	}
	if got := h.sink.targets[0]; got.Channel != "telegram" || got.To != "42" {
		t.Fatalf("delivery target: %+v", got)
	}

	// Usage lands on the session record.
	stored, _, err := h.sessions.GetRecord(rec.Key)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if stored.TotalTokens != 18 || stored.LastModel != "openai/gpt-5" {
		t.Fatalf("usage not persisted: %+v", stored)
	}
}

func TestHandle_DirectiveOnlyMessageDoesNotRun(t *testing.T) {
	h := newHarness(t)

	rec, err := h.pipeline.Handle(context.Background(), inbound("/model mini"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rec.Started || rec.RunID != "" {
		t.Fatalf("directive-only message must not start a run: %+v", rec)
	}
	if !strings.Contains(rec.Reply, "gpt-5-mini") {
		t.Fatalf("missing directive ack: %q", rec.Reply)
	}
	if len(h.runtime.runs()) != 0 {
		t.Fatal("runtime should not have been invoked")
	}

	// The override applies to the next real turn.
	if _, err := h.pipeline.Handle(context.Background(), inbound("hello")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	h.drain(t)
	runs := h.runtime.runs()
	if len(runs) != 1 || runs[0].Model != "gpt-5-mini" {
		t.Fatalf("override not applied to next run: %+v", runs)
	}
}

func TestHandle_DirectiveWithBodyRunsRemainder(t *testing.T) {
	h := newHarness(t)

	rec, err := h.pipeline.Handle(context.Background(), inbound("/model mini summarize the doc"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rec.Started {
		t.Fatalf("remainder should run: %+v", rec)
	}
	h.drain(t)
	runs := h.runtime.runs()
	if len(runs) != 1 || runs[0].Prompt != "summarize the doc" {
		t.Fatalf("remainder prompt: %+v", runs)
	}
}

func TestHandle_UnauthorizedSenderDirectivesAreText(t *testing.T) {
	h := newHarness(t)

	msg := inbound("/model mini")
	msg.Authorized = false
	rec, err := h.pipeline.Handle(context.Background(), msg)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rec.Started {
		t.Fatal("unauthorized directive should run as plain text")
	}
	h.drain(t)
	stored, _, _ := h.sessions.GetRecord(rec.Key)
	if stored.ModelOverride != "" {
		t.Fatal("unauthorized sender must not change overrides")
	}
}

func TestHandle_BareResetTriggerAcksWithoutRun(t *testing.T) {
	h := newHarness(t)

	if _, err := h.pipeline.Handle(context.Background(), inbound("hello")); err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.drain(t)

	rec, err := h.pipeline.Handle(context.Background(), inbound("/new"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rec.Started {
		t.Fatal("bare reset trigger must not start a run")
	}
	if !strings.Contains(rec.Reply, "new session") {
		t.Fatalf("missing reset ack: %q", rec.Reply)
	}
	if len(h.runtime.runs()) != 1 {
		t.Fatal("no extra run expected")
	}
}

func TestHandle_ResetTriggerWithBodyRuns(t *testing.T) {
	h := newHarness(t)

	rec, err := h.pipeline.Handle(context.Background(), inbound("/new start over and plan my week"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !rec.Started {
		t.Fatalf("reset with body should run: %+v", rec)
	}
	h.drain(t)
	runs := h.runtime.runs()
	if len(runs) != 1 || runs[0].Prompt != "start over and plan my week" {
		t.Fatalf("trigger not stripped from prompt: %+v", runs)
	}
}

func TestExecute_AbortNoteAfterAbortedRun(t *testing.T) {
	h := newHarness(t)

	first, err := h.pipeline.Handle(context.Background(), inbound("hello"))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	h.drain(t)

	if err := h.sessions.MarkAborted(first.Key); err != nil {
		t.Fatalf("mark aborted: %v", err)
	}
	if _, err := h.pipeline.Handle(context.Background(), inbound("try again")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	h.drain(t)

	runs := h.runtime.runs()
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[1].SystemNote == "" || !strings.Contains(runs[1].SystemNote, "interrupted") {
		t.Fatalf("abort note missing: %+v", runs[1])
	}
	stored, _, _ := h.sessions.GetRecord(first.Key)
	if stored.AbortedLastRun {
		t.Fatal("aborted flag should be cleared once acknowledged")
	}
}

func TestHandle_InvalidDirectiveArgumentExplains(t *testing.T) {
	h := newHarness(t)

	rec, err := h.pipeline.Handle(context.Background(), inbound("/think extreme"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rec.Started {
		t.Fatal("invalid directive must not run")
	}
	if !strings.Contains(rec.Reply, `"extreme"`) || !strings.Contains(rec.Reply, "/think") {
		t.Fatalf("reply should name the bad input and command: %q", rec.Reply)
	}
}

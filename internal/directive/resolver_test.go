package directive

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-roost/internal/bus"
	"github.com/basket/go-roost/internal/modelcat"
	"github.com/basket/go-roost/internal/session"
)

func testResolver(t *testing.T, agent, global Defaults) (*Resolver, *session.Manager, session.Key, *bus.Bus) {
	t.Helper()
	store := session.NewStore(session.StoreOptions{})
	mgr := session.NewManager(store, session.ManagerConfig{
		DataDir: t.TempDir(),
		Keys:    session.KeyConfig{Scope: session.ScopePerSender},
		Reset:   session.ResetConfig{Default: session.ResetPolicy{IdleThreshold: time.Hour}},
	}, nil, nil)

	catalog, err := modelcat.New([]modelcat.Model{
		{Provider: "openai", Name: "gpt-5", ContextWindow: 400000},
		{Provider: "openai", Name: "gpt-5-mini", ContextWindow: 400000, MaxThinkingTier: "medium"},
	}, "openai/gpt-5", nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}

	events := bus.New()
	turn, err := mgr.ResolveTurn(session.KeyInput{AgentID: "roost", Channel: "cli", SenderID: "me", ChatType: "direct"}, "hi", true)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return NewResolver(mgr, catalog, agent, global, events, nil), mgr, turn.Key, events
}

func TestApply_ModelSetAndQuery(t *testing.T) {
	r, mgr, key, _ := testResolver(t, Defaults{}, Defaults{})

	out, err := r.Apply(key, ModelSet{Fragment: "mini"})
	if err != nil {
		t.Fatalf("Apply set: %v", err)
	}
	if !out.Changed || !strings.Contains(out.Reply, "openai/gpt-5-mini") {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	rec, _, err := mgr.GetRecord(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ModelOverride != "gpt-5-mini" || rec.ProviderOverride != "openai" {
		t.Fatalf("override not persisted: %+v", rec)
	}

	out, err = r.Apply(key, ModelQuery{})
	if err != nil {
		t.Fatalf("Apply query: %v", err)
	}
	if out.Changed || !strings.Contains(out.Reply, "openai/gpt-5-mini") {
		t.Fatalf("query should report the override: %+v", out)
	}
}

func TestApply_ModelSetNoMatch(t *testing.T) {
	r, _, key, _ := testResolver(t, Defaults{}, Defaults{})
	_, err := r.Apply(key, ModelSet{Fragment: "llama"})
	if err == nil || !strings.Contains(err.Error(), `"llama"`) {
		t.Fatalf("error should name the invalid input: %v", err)
	}
	if !strings.Contains(err.Error(), "/model") {
		t.Fatalf("error should hint at the discovery command: %v", err)
	}
}

func TestApply_QueryPrecedence(t *testing.T) {
	r, mgr, key, _ := testResolver(t,
		Defaults{Thinking: "medium"},
		Defaults{Thinking: "low", Verbose: "on"})

	// Agent default shadows global; global fills gaps; fallback is off.
	out, _ := r.Apply(key, ThinkingQuery{})
	if out.Reply != "thinking: medium" {
		t.Fatalf("agent default should win: %q", out.Reply)
	}
	out, _ = r.Apply(key, VerboseQuery{})
	if out.Reply != "verbose: on" {
		t.Fatalf("global default should fill the gap: %q", out.Reply)
	}
	out, _ = r.Apply(key, ReasoningQuery{})
	if out.Reply != "reasoning: off" {
		t.Fatalf("unset value should fall back to off: %q", out.Reply)
	}

	// A session override beats both defaults.
	if _, err := mgr.UpdateRecord(key, func(rec *session.Record) {
		rec.ThinkingLevel = session.LevelHigh
	}); err != nil {
		t.Fatalf("override: %v", err)
	}
	out, _ = r.Apply(key, ThinkingQuery{})
	if out.Reply != "thinking: high" {
		t.Fatalf("session override should win: %q", out.Reply)
	}
}

func TestApply_ExplicitUnsupportedTierIsRejected(t *testing.T) {
	r, _, key, _ := testResolver(t, Defaults{}, Defaults{})

	if _, err := r.Apply(key, ModelSet{Fragment: "mini"}); err != nil {
		t.Fatalf("set model: %v", err)
	}
	// gpt-5-mini caps at medium; an explicit /think high must be rejected,
	// not silently downgraded.
	_, err := r.Apply(key, ThinkingSet{Level: "high"})
	if !errors.Is(err, ErrUnsupportedTier) {
		t.Fatalf("expected ErrUnsupportedTier, got %v", err)
	}
}

func TestEffective_DowngradesPersistedTierWithNotice(t *testing.T) {
	r, mgr, key, _ := testResolver(t, Defaults{}, Defaults{})

	// Persist high thinking on the full model, then switch to the capped one.
	if _, err := r.Apply(key, ThinkingSet{Level: "high"}); err != nil {
		t.Fatalf("set thinking: %v", err)
	}
	if _, err := r.Apply(key, ModelSet{Fragment: "mini"}); err != nil {
		t.Fatalf("set model: %v", err)
	}
	rec, _, err := mgr.GetRecord(key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	eff, err := r.Effective(rec)
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if eff.Thinking != "medium" {
		t.Fatalf("persisted tier should downgrade to medium, got %q", eff.Thinking)
	}
	if len(eff.Notices) != 1 || !strings.Contains(eff.Notices[0], "medium") {
		t.Fatalf("downgrade must surface a notice: %v", eff.Notices)
	}
}

func TestApply_ModeTogglePublishesEvent(t *testing.T) {
	r, _, key, events := testResolver(t, Defaults{}, Defaults{})
	sub := events.Subscribe(bus.TopicSessionEvent)
	defer events.Unsubscribe(sub)

	if _, err := r.Apply(key, ElevatedSet{Level: "on"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	select {
	case ev := <-sub.Ch():
		se, ok := ev.Payload.(bus.SessionEvent)
		if !ok || !strings.Contains(se.Text, "elevated") {
			t.Fatalf("unexpected event payload: %#v", ev.Payload)
		}
		if se.SessionKey != string(key) {
			t.Fatalf("event for wrong session: %q", se.SessionKey)
		}
	case <-time.After(time.Second):
		t.Fatal("no session event published for elevated toggle")
	}
}

func TestSwapCatalog_NarrowedAllowListFallsBackToDefault(t *testing.T) {
	r, _, key, _ := testResolver(t, Defaults{}, Defaults{})

	if _, err := r.Apply(key, ModelSet{Fragment: "mini"}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	narrowed, err := modelcat.New([]modelcat.Model{
		{Provider: "openai", Name: "gpt-5", ContextWindow: 400000},
	}, "openai/gpt-5", nil)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	r.SwapCatalog(narrowed)

	if _, err := r.Apply(key, ModelSet{Fragment: "mini"}); err == nil || !strings.Contains(err.Error(), "no model matches") {
		t.Fatalf("expected no match after the swap, got %v", err)
	}

	out, err := r.Apply(key, ModelQuery{})
	if err != nil {
		t.Fatalf("Apply query: %v", err)
	}
	if !strings.Contains(out.Reply, "openai/gpt-5") {
		t.Fatalf("stale override should fall back to the default: %q", out.Reply)
	}
}

package directive

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/basket/go-roost/internal/bus"
	"github.com/basket/go-roost/internal/modelcat"
	"github.com/basket/go-roost/internal/session"
)

// Defaults holds the directive values used when a session carries no
// override. Agent-level defaults shadow global ones field by field.
type Defaults struct {
	Model     string
	Thinking  string
	Verbose   string
	Reasoning string
	Elevated  string
	QueueMode string
}

func (d Defaults) overlay(base Defaults) Defaults {
	pick := func(a, b string) string {
		if a != "" {
			return a
		}
		return b
	}
	return Defaults{
		Model:     pick(d.Model, base.Model),
		Thinking:  pick(d.Thinking, base.Thinking),
		Verbose:   pick(d.Verbose, base.Verbose),
		Reasoning: pick(d.Reasoning, base.Reasoning),
		Elevated:  pick(d.Elevated, base.Elevated),
		QueueMode: pick(d.QueueMode, base.QueueMode),
	}
}

// Resolver applies directives against session state with the precedence
// explicit directive > session override > agent default > global default.
type Resolver struct {
	sessions *session.Manager
	defaults Defaults // agent defaults already overlaid on global ones
	events   *bus.Bus
	logger   *slog.Logger

	catalog atomic.Pointer[modelcat.Catalog]
}

// NewResolver builds a resolver for one agent. events may be nil.
func NewResolver(sessions *session.Manager, catalog *modelcat.Catalog, agent, global Defaults, events *bus.Bus, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		sessions: sessions,
		defaults: agent.overlay(global),
		events:   events,
		logger:   logger,
	}
	r.catalog.Store(catalog)
	return r
}

// SwapCatalog replaces the model catalog, for config live-reload. Sessions
// whose override falls outside the new allow-list fall back to the default
// on their next turn.
func (r *Resolver) SwapCatalog(catalog *modelcat.Catalog) {
	r.catalog.Store(catalog)
}

func (r *Resolver) models() *modelcat.Catalog {
	return r.catalog.Load()
}

// Outcome is the user-visible result of applying one directive.
type Outcome struct {
	Reply   string // text to send back to the user
	Changed bool   // a session override was persisted
}

// ErrUnsupportedTier is returned when an explicitly requested thinking tier
// exceeds what the effective model supports.
var ErrUnsupportedTier = errors.New("unsupported thinking tier")

// Apply executes one parsed directive against the session. Queries answer
// with the current effective value and persist nothing; sets persist through
// the session store and acknowledge.
func (r *Resolver) Apply(key session.Key, d Directive) (Outcome, error) {
	rec, _, err := r.sessions.GetRecord(key)
	if err != nil {
		return Outcome{}, err
	}

	switch d := d.(type) {
	case ModelQuery:
		m, err := r.EffectiveModel(rec)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Reply: fmt.Sprintf("model: %s (context %d)", m.Ref(), m.ContextWindow)}, nil

	case ModelSet:
		m, err := r.models().Resolve(d.Fragment)
		if err != nil {
			if errors.Is(err, modelcat.ErrNoMatch) {
				return Outcome{}, fmt.Errorf("no model matches %q; send /model to see the current one or pick from the configured catalog", d.Fragment)
			}
			return Outcome{}, err
		}
		if _, err := r.sessions.UpdateRecord(key, func(rec *session.Record) {
			rec.ModelOverride = m.Name
			rec.ProviderOverride = m.Provider
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Reply: "model set to " + m.Ref(), Changed: true}, nil

	case ThinkingQuery:
		return Outcome{Reply: "thinking: " + r.effectiveLevel(rec.ThinkingLevel, r.defaults.Thinking, session.LevelOff)}, nil

	case ThinkingSet:
		m, err := r.EffectiveModel(rec)
		if err != nil {
			return Outcome{}, err
		}
		if !m.SupportsTier(d.Level) {
			return Outcome{}, fmt.Errorf("%w: %s does not support thinking level %q (max %s)",
				ErrUnsupportedTier, m.Ref(), d.Level, m.DowngradeTier(d.Level))
		}
		if err := r.setLevel(key, d.Level, func(rec *session.Record, v string) { rec.ThinkingLevel = v }); err != nil {
			return Outcome{}, err
		}
		return Outcome{Reply: "thinking set to " + d.Level, Changed: true}, nil

	case VerboseQuery:
		return Outcome{Reply: "verbose: " + r.effectiveLevel(rec.VerboseLevel, r.defaults.Verbose, session.LevelOff)}, nil

	case VerboseSet:
		if err := r.setLevel(key, d.Level, func(rec *session.Record, v string) { rec.VerboseLevel = v }); err != nil {
			return Outcome{}, err
		}
		return Outcome{Reply: "verbose set to " + d.Level, Changed: true}, nil

	case ReasoningQuery:
		return Outcome{Reply: "reasoning: " + r.effectiveLevel(rec.ReasoningLevel, r.defaults.Reasoning, session.LevelOff)}, nil

	case ReasoningSet:
		if err := r.setLevel(key, d.Level, func(rec *session.Record, v string) { rec.ReasoningLevel = v }); err != nil {
			return Outcome{}, err
		}
		r.publishModeChange(key, "reasoning", d.Level)
		return Outcome{Reply: "reasoning set to " + d.Level, Changed: true}, nil

	case ElevatedQuery:
		return Outcome{Reply: "elevated: " + r.effectiveLevel(rec.ElevatedLevel, r.defaults.Elevated, session.LevelOff)}, nil

	case ElevatedSet:
		if err := r.setLevel(key, d.Level, func(rec *session.Record, v string) { rec.ElevatedLevel = v }); err != nil {
			return Outcome{}, err
		}
		r.publishModeChange(key, "elevated", d.Level)
		return Outcome{Reply: "elevated set to " + d.Level, Changed: true}, nil

	case QueueQuery:
		return Outcome{Reply: "queue mode: " + r.effectiveLevel(rec.QueueMode, r.defaults.QueueMode, "interrupt")}, nil

	case QueueSet:
		if _, err := r.sessions.UpdateRecord(key, func(rec *session.Record) {
			rec.QueueMode = d.Mode
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Reply: "queue mode set to " + d.Mode, Changed: true}, nil
	}
	return Outcome{}, fmt.Errorf("unhandled directive %T", d)
}

func (r *Resolver) setLevel(key session.Key, level string, assign func(*session.Record, string)) error {
	_, err := r.sessions.UpdateRecord(key, func(rec *session.Record) {
		assign(rec, level)
	})
	return err
}

// publishModeChange emits a system event so the conversation log reflects a
// mode toggle even when the agent never verbalizes it.
func (r *Resolver) publishModeChange(key session.Key, mode, level string) {
	if r.events == nil {
		return
	}
	r.events.Publish(bus.TopicSessionEvent, bus.SessionEvent{
		SessionKey: string(key),
		Text:       fmt.Sprintf("%s mode set to %s", mode, level),
	})
}

func (r *Resolver) effectiveLevel(override, dflt, fallback string) string {
	if override != "" {
		return override
	}
	if dflt != "" {
		return dflt
	}
	return fallback
}

// EffectiveModel resolves the model a run should use for this record:
// session override, then the agent/global default, then the catalog default.
func (r *Resolver) EffectiveModel(rec session.Record) (modelcat.Model, error) {
	if rec.ModelOverride != "" {
		ref := rec.ModelOverride
		if rec.ProviderOverride != "" && !strings.Contains(ref, "/") {
			ref = rec.ProviderOverride + "/" + ref
		}
		if m, ok := r.models().Lookup(ref); ok {
			return m, nil
		}
		// An override pointing outside the current catalog (the allow
		// list changed under it) falls back to the default.
		r.logger.Warn("session model override not in catalog, using default", "override", ref)
	}
	if r.defaults.Model != "" {
		if m, ok := r.models().Lookup(r.defaults.Model); ok {
			return m, nil
		}
	}
	if m, ok := r.models().Default(); ok {
		return m, nil
	}
	return modelcat.Model{}, fmt.Errorf("no default model configured")
}

// Effective is the fully resolved run configuration for one turn.
type Effective struct {
	Model     modelcat.Model
	Thinking  string
	Verbose   string
	Reasoning string
	Elevated  string
	QueueMode string
	// Notices carries user-visible adjustments, e.g. a persisted thinking
	// tier silently downgraded for a model that cannot serve it.
	Notices []string
}

// Effective resolves every directive-controlled value for a run, applying
// the precedence chain and downgrading persisted tiers the model cannot
// serve (with a notice, since the user did not ask for that tier on this
// turn).
func (r *Resolver) Effective(rec session.Record) (Effective, error) {
	m, err := r.EffectiveModel(rec)
	if err != nil {
		return Effective{}, err
	}
	eff := Effective{
		Model:     m,
		Thinking:  r.effectiveLevel(rec.ThinkingLevel, r.defaults.Thinking, session.LevelOff),
		Verbose:   r.effectiveLevel(rec.VerboseLevel, r.defaults.Verbose, session.LevelOff),
		Reasoning: r.effectiveLevel(rec.ReasoningLevel, r.defaults.Reasoning, session.LevelOff),
		Elevated:  r.effectiveLevel(rec.ElevatedLevel, r.defaults.Elevated, session.LevelOff),
		QueueMode: r.effectiveLevel(rec.QueueMode, r.defaults.QueueMode, "interrupt"),
	}
	if !m.SupportsTier(eff.Thinking) {
		downgraded := m.DowngradeTier(eff.Thinking)
		eff.Notices = append(eff.Notices,
			fmt.Sprintf("thinking level %s is not supported by %s; using %s", eff.Thinking, m.Ref(), downgraded))
		eff.Thinking = downgraded
	}
	return eff, nil
}

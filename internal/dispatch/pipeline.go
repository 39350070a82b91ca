// Package dispatch routes inbound channel messages through session
// resolution, directive handling, and the run coordinator, and carries agent
// output back to the channels.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-roost/internal/coordinator"
	"github.com/basket/go-roost/internal/directive"
	"github.com/basket/go-roost/internal/otel"
	"github.com/basket/go-roost/internal/session"
)

// InboundMessage is one normalized message from any channel.
type InboundMessage struct {
	AgentID    string
	Channel    string
	AccountID  string
	SenderID   string
	ChatType   string // "direct", "group", "channel"
	GroupID    string
	ThreadID   string
	TopicLabel string
	// SessionOverride routes the message to an explicit session qualifier.
	SessionOverride string
	Body            string
	// Authorized marks senders allowed to use directives and reset triggers.
	Authorized bool
}

// Receipt tells the channel what happened to its message.
type Receipt struct {
	Key     session.Key
	Reply   string // immediate reply (directive answer, reset ack, notices)
	RunID   string
	Started bool
	Steered bool
	Queued  bool
	Dropped bool
}

// PipelineConfig carries the run defaults the pipeline applies when a
// session has no overrides.
type PipelineConfig struct {
	RunTimeout time.Duration
	QueueCap   int
	QueueDrop  string
}

// Pipeline is the inbound half of dispatch: one call per message.
type Pipeline struct {
	sessions *session.Manager
	resolver *directive.Resolver
	coord    *coordinator.Coordinator
	logger   *slog.Logger

	cfgMu sync.RWMutex
	cfg   PipelineConfig
}

// NewPipeline wires the inbound message path.
func NewPipeline(sessions *session.Manager, resolver *directive.Resolver, coord *coordinator.Coordinator, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{sessions: sessions, resolver: resolver, coord: coord, cfg: cfg, logger: logger}
}

// SetDefaults swaps the queue and timeout defaults, for config live-reload.
// In-flight submissions keep the values they started with.
func (p *Pipeline) SetDefaults(cfg PipelineConfig) {
	p.cfgMu.Lock()
	p.cfg = cfg
	p.cfgMu.Unlock()
}

func (p *Pipeline) defaults() PipelineConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// Handle processes one inbound message end to end: session resolution,
// directive handling, and run submission. Directive-only messages and bare
// reset triggers answer without starting a run.
func (p *Pipeline) Handle(ctx context.Context, msg InboundMessage) (*Receipt, error) {
	_, span := otel.StartSpan(ctx, otel.Tracer(), "pipeline.handle",
		otel.AttrChannel.String(msg.Channel),
	)
	defer span.End()

	turn, err := p.sessions.ResolveTurn(session.KeyInput{
		AgentID:    msg.AgentID,
		Channel:    msg.Channel,
		AccountID:  msg.AccountID,
		SenderID:   msg.SenderID,
		ChatType:   msg.ChatType,
		GroupID:    msg.GroupID,
		ThreadID:   msg.ThreadID,
		TopicLabel: msg.TopicLabel,
		Override:   msg.SessionOverride,
	}, msg.Body, msg.Authorized)
	if err != nil {
		if errors.Is(err, session.ErrLockTimeout) {
			return &Receipt{Reply: "The session store is busy right now; please try again."}, nil
		}
		return nil, err
	}
	rec := &Receipt{Key: turn.Key}

	body := msg.Body
	if turn.WasReset {
		body = stripResetTrigger(body, p.sessions.ResetTriggers())
		if strings.TrimSpace(body) == "" {
			rec.Reply = "Started a new session."
			return rec, nil
		}
	}

	if msg.Authorized {
		d, rest, found, perr := directive.Parse(body)
		if perr != nil {
			rec.Reply = perr.Error()
			return rec, nil
		}
		if found {
			out, err := p.resolver.Apply(turn.Key, d)
			if err != nil {
				rec.Reply = userFacingError(err)
				return rec, nil
			}
			rec.Reply = out.Reply
			if strings.TrimSpace(rest) == "" {
				return rec, nil
			}
			body = rest
		}
	}

	record, _, err := p.sessions.GetRecord(turn.Key)
	if err != nil {
		return nil, err
	}
	eff, err := p.resolver.Effective(record)
	if err != nil {
		return nil, err
	}
	if len(eff.Notices) > 0 {
		rec.Reply = joinReplies(rec.Reply, strings.Join(eff.Notices, "\n"))
	}

	defs := p.defaults()
	policy := coordinator.Policy{
		Mode:     eff.QueueMode,
		Cap:      record.QueueCap,
		Drop:     record.QueueDrop,
		Timeout:  defs.RunTimeout,
		Debounce: time.Duration(record.QueueDebounceMs) * time.Millisecond,
	}
	if policy.Cap == 0 {
		policy.Cap = defs.QueueCap
	}
	if policy.Drop == "" {
		policy.Drop = defs.QueueDrop
	}

	sub, err := p.coord.Submit(string(turn.Key), coordinator.Task{
		SessionID: record.SessionID,
		Body:      body,
		Model:     eff.Model.Ref(),
	}, policy)
	if err != nil {
		return nil, err
	}
	rec.RunID = sub.RunID
	rec.Started = sub.Started
	rec.Steered = sub.Steered
	rec.Queued = sub.Queued
	rec.Dropped = sub.Dropped
	return rec, nil
}

func stripResetTrigger(body string, triggers []string) string {
	trimmed := strings.TrimSpace(body)
	for _, trig := range triggers {
		if strings.EqualFold(trimmed, trig) {
			return ""
		}
		if len(trimmed) > len(trig) && strings.EqualFold(trimmed[:len(trig)], trig) {
			return strings.TrimSpace(trimmed[len(trig):])
		}
	}
	return trimmed
}

// userFacingError keeps validation messages intact and hides everything
// else behind a generic notice.
func userFacingError(err error) string {
	if errors.Is(err, directive.ErrUnsupportedTier) {
		return err.Error()
	}
	var perr *directive.ParseError
	if errors.As(err, &perr) {
		return perr.Error()
	}
	if strings.Contains(err.Error(), "no model matches") {
		return err.Error()
	}
	return "Something went wrong applying that; please try again."
}

func joinReplies(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}

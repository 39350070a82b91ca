package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/go-roost/internal/agent"
	"github.com/basket/go-roost/internal/bus"
	"github.com/basket/go-roost/internal/coordinator"
	"github.com/basket/go-roost/internal/directive"
	"github.com/basket/go-roost/internal/otel"
	"github.com/basket/go-roost/internal/session"
)

// Target names where agent output should be delivered.
type Target struct {
	Channel   string
	AccountID string
	To        string
	ThreadID  string
}

// Deliverer carries agent payloads back to a channel.
type Deliverer func(ctx context.Context, t Target, payloads []agent.Payload) error

// abortNote is prepended to the next turn after an aborted run so the agent
// knows its previous answer never finished.
const abortNote = "Note: your previous response was interrupted before completion."

// Dispatcher executes runs for the coordinator: it resolves the effective
// run settings, invokes the agent runtime, persists usage, and delivers the
// output.
type Dispatcher struct {
	sessions *session.Manager
	resolver *directive.Resolver
	runtime  agent.Runtime
	deliver  Deliverer
	events   *bus.Bus
	logger   *slog.Logger
	system   string // agent persona prompt

	coordMu sync.Mutex
	coord   *coordinator.Coordinator

	steerMu sync.Mutex
	steers  map[string]*steerState
}

type steerState struct {
	open  bool // accepting steered input (provider not yet invoked)
	extra []string
}

// NewDispatcher builds the run executor. Bind the coordinator with
// BindCoordinator before submitting work.
func NewDispatcher(sessions *session.Manager, resolver *directive.Resolver, runtime agent.Runtime, deliver Deliverer, events *bus.Bus, system string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sessions: sessions,
		resolver: resolver,
		runtime:  runtime,
		deliver:  deliver,
		events:   events,
		logger:   logger,
		system:   system,
		steers:   make(map[string]*steerState),
	}
}

// BindCoordinator closes the loop between the coordinator and its executor.
func (d *Dispatcher) BindCoordinator(c *coordinator.Coordinator) {
	d.coordMu.Lock()
	defer d.coordMu.Unlock()
	d.coord = c
}

func (d *Dispatcher) coordinator() *coordinator.Coordinator {
	d.coordMu.Lock()
	defer d.coordMu.Unlock()
	return d.coord
}

// Steer injects extra input into a run that has not yet reached the
// provider. Once generation starts the run cannot absorb new input and the
// coordinator falls back to the session's backlog policy.
func (d *Dispatcher) Steer(runID, body string) bool {
	d.steerMu.Lock()
	defer d.steerMu.Unlock()
	st := d.steers[runID]
	if st == nil || !st.open {
		return false
	}
	st.extra = append(st.extra, body)
	return true
}

// Execute runs one task to completion. Satisfies coordinator.Executor.
func (d *Dispatcher) Execute(ctx context.Context, t coordinator.Task) error {
	key := session.Key(t.SessionKey)

	d.steerMu.Lock()
	d.steers[t.RunID] = &steerState{open: true}
	d.steerMu.Unlock()
	defer func() {
		d.steerMu.Lock()
		delete(d.steers, t.RunID)
		d.steerMu.Unlock()
	}()

	rec, ok, err := d.sessions.GetRecord(key)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s disappeared before its run", key)
	}
	eff, err := d.resolver.Effective(rec)
	if err != nil {
		return fmt.Errorf("resolve run settings: %w", err)
	}

	var systemNote string
	if rec.AbortedLastRun {
		systemNote = abortNote
		if err := d.sessions.ClearAborted(key); err != nil {
			d.logger.Warn("could not clear aborted flag", "key", string(key), "error", err)
		}
	}

	// Close the steering window and fold any steered bodies into the prompt.
	d.steerMu.Lock()
	st := d.steers[t.RunID]
	st.open = false
	prompt := t.Body
	if len(st.extra) > 0 {
		prompt = strings.Join(append([]string{prompt}, st.extra...), "\n\n")
	}
	d.steerMu.Unlock()

	ctx, span := otel.StartClientSpan(ctx, otel.Tracer(), "agent.run",
		otel.AttrRunID.String(t.RunID),
		otel.AttrSessionKey.String(t.SessionKey),
		otel.AttrModel.String(eff.Model.Provider+"/"+eff.Model.Name),
	)
	defer span.End()

	streamedOnce := false
	result, err := d.runtime.Run(ctx, agent.RunInput{
		SessionID:   rec.SessionID,
		SessionFile: rec.SessionFile,
		Prompt:      prompt,
		System:      d.system,
		SystemNote:  systemNote,
		Provider:    eff.Model.Provider,
		Model:       eff.Model.Name,
		Thinking:    eff.Thinking,
		Verbose:     eff.Verbose,
		Reasoning:   eff.Reasoning,
		Elevated:    eff.Elevated,
		OnChunk: func(text string) error {
			if !streamedOnce {
				streamedOnce = true
				if c := d.coordinator(); c != nil {
					c.MarkStreaming(t.RunID)
				}
			}
			if d.events != nil {
				d.events.Publish(bus.TopicRunOutput, bus.RunOutputEvent{
					RunID:  t.RunID,
					Stream: "text",
					Data:   text,
				})
			}
			return ctx.Err()
		},
	})
	if err != nil {
		return err
	}

	if c := d.coordinator(); c != nil {
		c.ReportUsage(t.RunID, result.Usage.InputTokens, result.Usage.OutputTokens)
	}

	if result.Aborted {
		if err := d.sessions.MarkAborted(key); err != nil {
			d.logger.Warn("could not mark session aborted", "key", string(key), "error", err)
		}
		return context.Canceled
	}

	span.SetAttributes(
		otel.AttrTokensInput.Int(result.Usage.InputTokens),
		otel.AttrTokensOutput.Int(result.Usage.OutputTokens),
	)

	// Usage persistence is best-effort: a failed bookkeeping write must not
	// turn a delivered answer into an error.
	if err := d.sessions.RecordUsage(key, result.Usage.InputTokens, result.Usage.OutputTokens, result.ModelUsed); err != nil {
		d.logger.Warn("could not persist usage", "key", string(key), "error", err)
	}

	if d.deliver != nil && len(result.Payloads) > 0 {
		target := Target{
			Channel:   rec.LastChannel,
			AccountID: rec.LastAccountID,
			To:        rec.LastTo,
			ThreadID:  rec.LastThreadID,
		}
		if err := d.deliver(ctx, target, result.Payloads); err != nil {
			return fmt.Errorf("deliver: %w", err)
		}
	}
	return nil
}

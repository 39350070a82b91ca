// Package janitor runs scheduled maintenance over the session stores: it
// sweeps long-idle sessions and compacts oversized transcripts.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-roost/internal/agent"
	"github.com/basket/go-roost/internal/dispatch"
	"github.com/basket/go-roost/internal/session"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the janitor's dependencies and schedules.
type Config struct {
	Sessions *session.Manager
	Agents   []string
	Logger   *slog.Logger

	// SweepAfter is how long a session may sit idle before the sweep
	// removes it. Zero disables sweeping. The main session is never swept.
	SweepAfter    time.Duration
	SweepSchedule string // cron expression; defaults to hourly

	// CompactKeep is the transcript tail kept by compaction. Zero disables
	// compaction.
	CompactKeep     int
	CompactSchedule string // cron expression; defaults to daily at 04:00

	// Deliver, when set, announces a sweep to the session's last known
	// delivery target before the record is removed.
	Deliver dispatch.Deliverer
}

// Janitor owns the cron runner for maintenance jobs.
type Janitor struct {
	cfg    Config
	logger *slog.Logger
	cron   *cronlib.Cron
	now    func() time.Time
}

// New validates the schedules and registers the enabled jobs.
func New(cfg Config) (*Janitor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "0 * * * *"
	}
	if cfg.CompactSchedule == "" {
		cfg.CompactSchedule = "0 4 * * *"
	}

	j := &Janitor{
		cfg:    cfg,
		logger: logger,
		cron:   cronlib.New(cronlib.WithParser(cronParser)),
		now:    time.Now,
	}
	if cfg.SweepAfter > 0 {
		if _, err := j.cron.AddFunc(cfg.SweepSchedule, j.Sweep); err != nil {
			return nil, fmt.Errorf("sweep schedule %q: %w", cfg.SweepSchedule, err)
		}
	}
	if cfg.CompactKeep > 0 {
		if _, err := j.cron.AddFunc(cfg.CompactSchedule, j.CompactAll); err != nil {
			return nil, fmt.Errorf("compact schedule %q: %w", cfg.CompactSchedule, err)
		}
	}
	return j, nil
}

// Start runs the scheduler until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	j.cron.Start()
	j.logger.Info("janitor started",
		"sweep_after", j.cfg.SweepAfter, "sweep_schedule", j.cfg.SweepSchedule,
		"compact_keep", j.cfg.CompactKeep, "compact_schedule", j.cfg.CompactSchedule)
	go func() {
		<-ctx.Done()
		stop := j.cron.Stop()
		<-stop.Done()
		j.logger.Info("janitor stopped")
	}()
}

// Sweep deletes sessions idle beyond SweepAfter. The main session is left
// alone, and failures on one session never stop the sweep.
func (j *Janitor) Sweep() {
	if j.cfg.SweepAfter <= 0 {
		return
	}
	cutoff := j.now().Add(-j.cfg.SweepAfter).UnixMilli()
	for _, agentID := range j.cfg.Agents {
		infos, err := j.cfg.Sessions.List(agentID, session.Filter{})
		if err != nil {
			j.logger.Error("sweep: list sessions", "agent", agentID, "error", err)
			continue
		}
		for _, info := range infos {
			if info.UpdatedAt >= cutoff || info.Key.IsMain() {
				continue
			}
			j.announceSweep(info.Key)
			if err := j.cfg.Sessions.DeleteSession(info.Key); err != nil {
				j.logger.Warn("sweep: delete session", "key", string(info.Key), "error", err)
				continue
			}
			j.logger.Info("sweep: removed idle session", "key", string(info.Key))
		}
	}
}

// announceSweep tells the conversation's last known target that the session
// is going away. Best-effort: a failed notice never blocks the sweep.
func (j *Janitor) announceSweep(key session.Key) {
	if j.cfg.Deliver == nil {
		return
	}
	rec, ok, err := j.cfg.Sessions.GetRecord(key)
	if err != nil || !ok || rec.LastChannel == "" || rec.LastTo == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = j.cfg.Deliver(ctx, dispatch.Target{
		Channel:   rec.LastChannel,
		AccountID: rec.LastAccountID,
		To:        rec.LastTo,
		ThreadID:  rec.LastThreadID,
	}, []agent.Payload{{Text: "This conversation was archived after inactivity. Your next message starts fresh."}})
	if err != nil {
		j.logger.Debug("sweep: announce failed", "key", string(key), "error", err)
	}
}

// CompactAll truncates every session's transcript to the configured tail.
// Sessions already under the limit are untouched.
func (j *Janitor) CompactAll() {
	if j.cfg.CompactKeep <= 0 {
		return
	}
	for _, agentID := range j.cfg.Agents {
		infos, err := j.cfg.Sessions.List(agentID, session.Filter{})
		if err != nil {
			j.logger.Error("compact: list sessions", "agent", agentID, "error", err)
			continue
		}
		for _, info := range infos {
			removed, err := j.cfg.Sessions.CompactSession(info.Key, j.cfg.CompactKeep)
			if err != nil {
				j.logger.Warn("compact: session", "key", string(info.Key), "error", err)
				continue
			}
			if removed > 0 {
				j.logger.Info("compact: trimmed transcript", "key", string(info.Key), "removed", removed)
			}
		}
	}
}

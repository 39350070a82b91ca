// Package coordinator serializes agent runs per session lane. Each session
// key owns one lane; a lane runs at most one agent run at a time and holds
// queued work according to the session's queue mode.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-roost/internal/bus"
	"github.com/basket/go-roost/internal/otel"
)

// LaneState is the lifecycle state of one session lane.
type LaneState int

const (
	LaneIdle LaneState = iota
	LaneActive
	LaneStreaming
)

func (s LaneState) String() string {
	switch s {
	case LaneActive:
		return "active"
	case LaneStreaming:
		return "streaming"
	default:
		return "idle"
	}
}

// Queue modes. Mutually exclusive per session, overridable per message.
const (
	ModeInterrupt    = "interrupt"
	ModeSteer        = "steer"
	ModeFollowup     = "followup"
	ModeCollect      = "collect"
	ModeSteerBacklog = "steer-backlog"
)

// Policy is the queue policy in effect for one submission.
type Policy struct {
	Mode     string
	Cap      int           // backlog capacity; 0 means the mode's default
	Drop     string        // "oldest" or "newest" when the cap is hit
	Timeout  time.Duration // run timeout; 0 disables
	Debounce time.Duration // idle-lane start delay that coalesces rapid bodies; 0 starts immediately
}

// Task is one unit of work handed to the executor.
type Task struct {
	RunID      string
	SessionKey string
	SessionID  string
	Body       string
	Model      string
}

// Executor performs the actual agent run. Execute blocks until the run
// finishes and must honor ctx cancellation. Steer attempts to inject extra
// input into an in-flight run and reports whether the run accepted it.
type Executor interface {
	Execute(ctx context.Context, t Task) error
	Steer(runID, body string) bool
}

type run struct {
	id        string
	task      Task
	policy    Policy
	cancel    context.CancelFunc
	inTokens  int // reported by the executor before Execute returns
	outTokens int
	done      chan struct{}
	aborted   atomic.Bool
	terminal  sync.Once
	started   time.Time
}

type lane struct {
	state        LaneState
	current      *run
	backlog      []string
	pendingStart bool // a debounce window is open; its timer will start the run
}

// Coordinator owns all lanes for one process.
type Coordinator struct {
	exec    Executor
	events  *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics

	mu    sync.Mutex
	lanes map[string]*lane
	runs  map[string]*run // run id -> run, for abort lookups

	wg sync.WaitGroup
}

// New creates a Coordinator. events and metrics may be nil.
func New(exec Executor, events *bus.Bus, metrics *otel.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		exec:    exec,
		events:  events,
		logger:  logger,
		metrics: metrics,
		lanes:   make(map[string]*lane),
		runs:    make(map[string]*run),
	}
}

// Submission reports what happened to one submitted turn.
type Submission struct {
	RunID   string // run started (or steered into) for this turn, if any
	Started bool   // a new run was started
	Steered bool   // the body was injected into an in-flight run
	Queued  bool   // the body was placed on the lane backlog
	Dropped bool   // a body was discarded by the backlog cap policy
}

// Submit routes one inbound turn through the lane's queue policy.
func (c *Coordinator) Submit(key string, t Task, p Policy) (Submission, error) {
	if t.RunID == "" {
		t.RunID = uuid.NewString()
	}
	t.SessionKey = key
	if p.Mode == "" {
		p.Mode = ModeInterrupt
	}

	c.mu.Lock()
	ln := c.lanes[key]
	if ln == nil {
		ln = &lane{}
		c.lanes[key] = ln
	}

	if ln.state == LaneIdle {
		if p.Debounce > 0 {
			c.pushLocked(ln, t.Body)
			if !ln.pendingStart {
				ln.pendingStart = true
				next := t
				time.AfterFunc(p.Debounce, func() { c.flushDebounced(key, next, p) })
			}
			c.mu.Unlock()
			return Submission{Queued: true}, nil
		}
		r := c.startLocked(key, ln, t, p)
		c.mu.Unlock()
		return Submission{RunID: r.id, Started: true}, nil
	}

	switch p.Mode {
	case ModeInterrupt:
		// Clear queued work and abort the in-flight run; the new body
		// starts from the backlog once the old run releases the lane.
		old := ln.current
		c.dropBacklogLocked(ln)
		c.pushLocked(ln, t.Body)
		c.mu.Unlock()
		if old != nil {
			c.abortRun(old)
		}
		return Submission{Queued: true}, nil

	case ModeSteer, ModeSteerBacklog:
		cur := ln.current
		c.mu.Unlock()
		if cur != nil && c.exec.Steer(cur.id, t.Body) {
			return Submission{RunID: cur.id, Steered: true}, nil
		}
		// The run may have settled while the steer was being attempted;
		// enqueueing onto a released lane would strand the body. Re-fetch
		// the lane and start fresh if it is gone or idle.
		c.mu.Lock()
		ln = c.lanes[key]
		if ln == nil || ln.state == LaneIdle {
			if ln == nil {
				ln = &lane{}
				c.lanes[key] = ln
			}
			r := c.startLocked(key, ln, t, p)
			c.mu.Unlock()
			return Submission{RunID: r.id, Started: true}, nil
		}
		sub := c.enqueueLocked(ln, t.Body, p)
		c.mu.Unlock()
		return sub, nil

	case ModeFollowup, ModeCollect:
		sub := c.enqueueLocked(ln, t.Body, p)
		c.mu.Unlock()
		return sub, nil

	default:
		c.mu.Unlock()
		return Submission{}, errors.New("unknown queue mode " + p.Mode)
	}
}

// enqueueLocked appends the body to the lane backlog, honoring the cap and
// drop policy. followup and plain steer hold at most one pending body;
// collect and steer-backlog default to unbounded.
func (c *Coordinator) enqueueLocked(ln *lane, body string, p Policy) Submission {
	max := p.Cap
	if max <= 0 {
		switch p.Mode {
		case ModeFollowup, ModeSteer:
			max = 1
		default:
			max = 0
		}
	}
	if max > 0 && len(ln.backlog) >= max {
		c.countDrop()
		if p.Drop == "newest" {
			return Submission{Dropped: true}
		}
		// Default: drop the oldest to make room.
		ln.backlog = append(ln.backlog[1:], body)
		return Submission{Queued: true, Dropped: true}
	}
	c.pushLocked(ln, body)
	return Submission{Queued: true}
}

func (c *Coordinator) pushLocked(ln *lane, body string) {
	ln.backlog = append(ln.backlog, body)
	if c.metrics != nil {
		c.metrics.QueueDepth.Add(context.Background(), 1)
	}
}

func (c *Coordinator) dropBacklogLocked(ln *lane) {
	if n := len(ln.backlog); n > 0 && c.metrics != nil {
		c.metrics.QueueDepth.Add(context.Background(), -int64(n))
	}
	ln.backlog = nil
}

func (c *Coordinator) countDrop() {
	if c.metrics != nil {
		c.metrics.QueueDrops.Add(context.Background(), 1)
	}
}

// flushDebounced closes a debounce window: every body that arrived while it
// was open runs as one coalesced turn.
func (c *Coordinator) flushDebounced(key string, t Task, p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ln := c.lanes[key]
	if ln == nil || !ln.pendingStart {
		return
	}
	ln.pendingStart = false
	if ln.state != LaneIdle || len(ln.backlog) == 0 {
		return
	}
	t.RunID = uuid.NewString()
	t.Body = strings.Join(ln.backlog, "\n\n")
	c.dropBacklogLocked(ln)
	c.startLocked(key, ln, t, p)
}

// startLocked launches a run on an idle lane. Caller holds c.mu.
func (c *Coordinator) startLocked(key string, ln *lane, t Task, p Policy) *run {
	var ctx context.Context
	var cancel context.CancelFunc
	if p.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), p.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	r := &run{
		id:      t.RunID,
		task:    t,
		policy:  p,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	ln.state = LaneActive
	ln.current = r
	c.runs[r.id] = r

	if c.metrics != nil {
		c.metrics.RunsStarted.Add(ctx, 1)
		c.metrics.ActiveLanes.Add(ctx, 1)
	}
	if c.events != nil {
		c.events.Publish(bus.TopicRunStart, bus.RunStartEvent{
			RunID:      r.id,
			SessionKey: key,
			SessionID:  t.SessionID,
			Model:      t.Model,
		})
	}

	c.wg.Add(1)
	go c.execute(ctx, key, r)
	return r
}

// execute runs the task and settles the lane afterward. Exactly one
// terminal event is published per run id, whatever mix of completion,
// error, timeout, and abort races in.
func (c *Coordinator) execute(ctx context.Context, key string, r *run) {
	defer c.wg.Done()
	defer r.cancel()

	err := c.exec.Execute(ctx, r.task)

	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	aborted := r.aborted.Load() || timedOut ||
		errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
	if timedOut {
		r.aborted.Store(true)
	}

	c.mu.Lock()
	inTok, outTok := r.inTokens, r.outTokens
	c.mu.Unlock()

	r.terminal.Do(func() {
		duration := time.Since(r.started)
		if c.metrics != nil {
			c.metrics.RunDuration.Record(context.Background(), duration.Seconds())
			if aborted {
				c.metrics.RunsAborted.Add(context.Background(), 1)
			}
			if err != nil && !aborted {
				c.metrics.RunErrors.Add(context.Background(), 1)
			}
			if inTok+outTok > 0 {
				c.metrics.TokensUsed.Add(context.Background(), int64(inTok+outTok))
			}
		}
		if c.events == nil {
			return
		}
		if err != nil && !aborted {
			c.events.Publish(bus.TopicRunError, bus.RunErrorEvent{
				RunID:      r.id,
				SessionKey: key,
				Err:        err.Error(),
			})
			return
		}
		c.events.Publish(bus.TopicRunEnd, bus.RunEndEvent{
			RunID:        r.id,
			SessionKey:   key,
			Aborted:      aborted,
			InputTokens:  inTok,
			OutputTokens: outTok,
			DurationMs:   duration.Milliseconds(),
		})
	})
	if err != nil && !aborted {
		c.logger.Error("run failed", "run_id", r.id, "session_key", key, "error", err)
	}

	close(r.done)
	c.settle(key, r)
}

// settle releases the lane after a run and drains the backlog: collect
// coalesces all queued bodies into one follow-up turn, every other mode
// takes them one at a time.
func (c *Coordinator) settle(key string, r *run) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.runs, r.id)
	if c.metrics != nil {
		c.metrics.ActiveLanes.Add(context.Background(), -1)
	}

	ln := c.lanes[key]
	if ln == nil || ln.current != r {
		return
	}
	ln.current = nil
	ln.state = LaneIdle

	if len(ln.backlog) == 0 {
		// Idle lanes with no queued work are dropped to keep the map
		// from growing with every session ever seen.
		delete(c.lanes, key)
		return
	}

	var body string
	if r.policy.Mode == ModeCollect {
		body = strings.Join(ln.backlog, "\n\n")
		c.dropBacklogLocked(ln)
	} else {
		body = ln.backlog[0]
		ln.backlog = ln.backlog[1:]
		if c.metrics != nil {
			c.metrics.QueueDepth.Add(context.Background(), -1)
		}
	}

	next := r.task
	next.RunID = uuid.NewString()
	next.Body = body
	c.startLocked(key, ln, next, r.policy)
}

// ReportUsage records token usage for an in-flight run so the terminal
// event and metrics carry it. The executor calls this before Execute
// returns; later calls are dropped.
func (c *Coordinator) ReportUsage(runID string, inputTokens, outputTokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.runs[runID]; r != nil {
		r.inTokens, r.outTokens = inputTokens, outputTokens
	}
}

// MarkStreaming transitions the run's lane from active to streaming. The
// executor calls this when the first output chunk arrives.
func (c *Coordinator) MarkStreaming(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[runID]
	if !ok {
		return
	}
	if ln := c.lanes[r.task.SessionKey]; ln != nil && ln.current == r {
		ln.state = LaneStreaming
	}
}

// Abort cancels the in-flight run on the session's lane, if any. Aborting
// an idle lane or an already-finished run is a no-op.
func (c *Coordinator) Abort(key string) bool {
	c.mu.Lock()
	ln := c.lanes[key]
	var r *run
	if ln != nil {
		r = ln.current
	}
	c.mu.Unlock()
	if r == nil {
		return false
	}
	c.abortRun(r)
	return true
}

// AbortRun cancels a run by id. Idempotent; unknown ids are a no-op.
func (c *Coordinator) AbortRun(runID string) bool {
	c.mu.Lock()
	r := c.runs[runID]
	c.mu.Unlock()
	if r == nil {
		return false
	}
	c.abortRun(r)
	return true
}

func (c *Coordinator) abortRun(r *run) {
	if r.aborted.CompareAndSwap(false, true) {
		r.cancel()
	}
}

// State returns the lane state for a session key.
func (c *Coordinator) State(key string) LaneState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ln := c.lanes[key]; ln != nil {
		return ln.state
	}
	return LaneIdle
}

// Backlog returns the number of queued bodies on the session's lane.
func (c *Coordinator) Backlog(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ln := c.lanes[key]; ln != nil {
		return len(ln.backlog)
	}
	return 0
}

// ActiveRuns returns the ids of all in-flight runs.
func (c *Coordinator) ActiveRuns() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.runs))
	for id := range c.runs {
		out = append(out, id)
	}
	return out
}

// Drain aborts nothing but waits for all in-flight runs and queued work to
// finish, or for the context to expire.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

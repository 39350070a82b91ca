package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-roost/internal/bus"
)

// fakeExec is a controllable executor: runs block until released (or their
// context is canceled), and steering can be toggled on and off.
type fakeExec struct {
	mu       sync.Mutex
	runs     []Task
	steers   map[string][]string
	steerOK  bool
	release  chan struct{}
	runErr   error
	started  chan Task
}

func newFakeExec() *fakeExec {
	return &fakeExec{
		steers:  make(map[string][]string),
		release: make(chan struct{}),
		started: make(chan Task, 16),
	}
}

func (f *fakeExec) Execute(ctx context.Context, t Task) error {
	f.mu.Lock()
	f.runs = append(f.runs, t)
	f.mu.Unlock()
	f.started <- t

	select {
	case <-f.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return f.runErr
}

func (f *fakeExec) Steer(runID, body string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.steerOK {
		return false
	}
	f.steers[runID] = append(f.steers[runID], body)
	return true
}

func (f *fakeExec) executed() []Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Task, len(f.runs))
	copy(out, f.runs)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubmit_IdleLaneStartsRun(t *testing.T) {
	exec := newFakeExec()
	c := New(exec, nil, nil, nil)

	sub, err := c.Submit("roost:main", Task{Body: "hi"}, Policy{Mode: ModeInterrupt})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !sub.Started || sub.RunID == "" {
		t.Fatalf("expected immediate start: %+v", sub)
	}
	<-exec.started
	if c.State("roost:main") != LaneActive {
		t.Fatalf("lane should be active, got %v", c.State("roost:main"))
	}

	close(exec.release)
	waitFor(t, func() bool { return c.State("roost:main") == LaneIdle }, "lane never settled")
}

func TestSubmit_InterruptAbortsAndReplaces(t *testing.T) {
	exec := newFakeExec()
	events := bus.New()
	sub := events.Subscribe(bus.TopicRunPrefix)
	defer events.Unsubscribe(sub)
	c := New(exec, events, nil, nil)

	first, err := c.Submit("roost:main", Task{Body: "first"}, Policy{Mode: ModeInterrupt})
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	<-exec.started

	if _, err := c.Submit("roost:main", Task{Body: "second"}, Policy{Mode: ModeInterrupt}); err != nil {
		t.Fatalf("Submit second: %v", err)
	}

	// The first run is aborted; the second starts from the backlog.
	waitFor(t, func() bool { return len(exec.executed()) == 2 }, "second run never started")
	if got := exec.executed()[1].Body; got != "second" {
		t.Fatalf("second run body = %q", got)
	}

	// Terminal event for the aborted run reports Aborted.
	var sawAbort bool
	timeout := time.After(3 * time.Second)
	for !sawAbort {
		select {
		case ev := <-sub.Ch():
			if end, ok := ev.Payload.(bus.RunEndEvent); ok && end.RunID == first.RunID {
				if !end.Aborted {
					t.Fatal("interrupted run must end with Aborted=true")
				}
				sawAbort = true
			}
		case <-timeout:
			t.Fatal("no terminal event for the aborted run")
		}
	}
	close(exec.release)
}

func TestSubmit_FollowupQueuesOneBody(t *testing.T) {
	exec := newFakeExec()
	c := New(exec, nil, nil, nil)

	if _, err := c.Submit("roost:main", Task{Body: "run"}, Policy{Mode: ModeFollowup}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-exec.started

	s1, _ := c.Submit("roost:main", Task{Body: "queued-1"}, Policy{Mode: ModeFollowup})
	if !s1.Queued {
		t.Fatalf("expected queue: %+v", s1)
	}
	// followup holds one pending body; the older one is dropped.
	s2, _ := c.Submit("roost:main", Task{Body: "queued-2"}, Policy{Mode: ModeFollowup})
	if !s2.Queued || !s2.Dropped {
		t.Fatalf("expected queue-with-drop: %+v", s2)
	}
	if c.Backlog("roost:main") != 1 {
		t.Fatalf("backlog = %d, want 1", c.Backlog("roost:main"))
	}

	close(exec.release)
	waitFor(t, func() bool { return len(exec.executed()) == 2 }, "follow-up run never started")
	if got := exec.executed()[1].Body; got != "queued-2" {
		t.Fatalf("follow-up body = %q, want the newest", got)
	}
}

func TestSubmit_CollectCoalesces(t *testing.T) {
	exec := newFakeExec()
	c := New(exec, nil, nil, nil)

	if _, err := c.Submit("roost:main", Task{Body: "run"}, Policy{Mode: ModeCollect}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-exec.started

	c.Submit("roost:main", Task{Body: "a"}, Policy{Mode: ModeCollect})
	c.Submit("roost:main", Task{Body: "b"}, Policy{Mode: ModeCollect})
	c.Submit("roost:main", Task{Body: "c"}, Policy{Mode: ModeCollect})

	close(exec.release)
	waitFor(t, func() bool { return len(exec.executed()) == 2 }, "collected run never started")
	if got := exec.executed()[1].Body; got != "a\n\nb\n\nc" {
		t.Fatalf("collect should coalesce bodies, got %q", got)
	}
}

func TestSubmit_SteerInjectsIntoActiveRun(t *testing.T) {
	exec := newFakeExec()
	exec.steerOK = true
	c := New(exec, nil, nil, nil)

	first, _ := c.Submit("roost:main", Task{Body: "run"}, Policy{Mode: ModeSteer})
	<-exec.started

	sub, err := c.Submit("roost:main", Task{Body: "more input"}, Policy{Mode: ModeSteer})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !sub.Steered || sub.RunID != first.RunID {
		t.Fatalf("expected steer into %s: %+v", first.RunID, sub)
	}
	if got := exec.steers[first.RunID]; len(got) != 1 || got[0] != "more input" {
		t.Fatalf("steer not delivered: %v", got)
	}
	if c.Backlog("roost:main") != 0 {
		t.Fatal("steered body must not also queue")
	}
	close(exec.release)
}

func TestSubmit_SteerBacklogFallsBack(t *testing.T) {
	exec := newFakeExec()
	exec.steerOK = false
	c := New(exec, nil, nil, nil)

	c.Submit("roost:main", Task{Body: "run"}, Policy{Mode: ModeSteerBacklog})
	<-exec.started

	sub, err := c.Submit("roost:main", Task{Body: "later"}, Policy{Mode: ModeSteerBacklog})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !sub.Queued || sub.Steered {
		t.Fatalf("expected backlog fallback: %+v", sub)
	}
	close(exec.release)
	waitFor(t, func() bool { return len(exec.executed()) == 2 }, "backlog never drained")
}

// blockingSteerExec parks the steer call until the test releases it, so the
// active run can finish underneath the in-flight steer.
type blockingSteerExec struct {
	*fakeExec
	steerEntered chan struct{}
	steerProceed chan struct{}
}

func (b *blockingSteerExec) Steer(runID, body string) bool {
	close(b.steerEntered)
	<-b.steerProceed
	return false
}

func TestSubmit_SteerRaceWithFinishingRunStartsFresh(t *testing.T) {
	exec := &blockingSteerExec{
		fakeExec:     newFakeExec(),
		steerEntered: make(chan struct{}),
		steerProceed: make(chan struct{}),
	}
	c := New(exec, nil, nil, nil)

	if _, err := c.Submit("roost:main", Task{Body: "first"}, Policy{Mode: ModeSteer}); err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	<-exec.started

	type result struct {
		sub Submission
		err error
	}
	done := make(chan result, 1)
	go func() {
		sub, err := c.Submit("roost:main", Task{Body: "second"}, Policy{Mode: ModeSteer})
		done <- result{sub, err}
	}()

	// Let the first run finish and its lane settle while the steer is still
	// in flight, then release the steer to fail.
	<-exec.steerEntered
	close(exec.release)
	waitFor(t, func() bool { return c.State("roost:main") == LaneIdle }, "lane never settled")
	close(exec.steerProceed)

	res := <-done
	if res.err != nil {
		t.Fatalf("Submit second: %v", res.err)
	}
	if !res.sub.Started {
		t.Fatalf("body must start a fresh run after the race, got %+v", res.sub)
	}
	waitFor(t, func() bool { return len(exec.executed()) == 2 }, "second run never executed")
	if got := exec.executed()[1].Body; got != "second" {
		t.Fatalf("second run body = %q", got)
	}
}

// usageExec reports token usage before finishing, the way the dispatcher does.
type usageExec struct {
	*fakeExec
	c *Coordinator
}

func (u *usageExec) Execute(ctx context.Context, t Task) error {
	u.c.ReportUsage(t.RunID, 11, 7)
	return u.fakeExec.Execute(ctx, t)
}

func TestRunEnd_CarriesReportedUsage(t *testing.T) {
	exec := &usageExec{fakeExec: newFakeExec()}
	events := bus.New()
	sub := events.Subscribe(bus.TopicRunEnd)
	defer events.Unsubscribe(sub)
	c := New(exec, events, nil, nil)
	exec.c = c

	started, _ := c.Submit("roost:main", Task{Body: "run"}, Policy{Mode: ModeInterrupt})
	<-exec.started
	close(exec.release)

	select {
	case ev := <-sub.Ch():
		end, ok := ev.Payload.(bus.RunEndEvent)
		if !ok || end.RunID != started.RunID {
			t.Fatalf("unexpected event %#v", ev.Payload)
		}
		if end.InputTokens != 11 || end.OutputTokens != 7 {
			t.Fatalf("terminal event usage = %d/%d, want 11/7", end.InputTokens, end.OutputTokens)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal event")
	}
}

func TestSubmit_DebounceCoalescesRapidBodies(t *testing.T) {
	exec := newFakeExec()
	c := New(exec, nil, nil, nil)
	p := Policy{Mode: ModeInterrupt, Debounce: 150 * time.Millisecond}

	s1, err := c.Submit("roost:main", Task{Body: "part one"}, p)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !s1.Queued || s1.Started {
		t.Fatalf("debounced submit should queue, got %+v", s1)
	}
	s2, _ := c.Submit("roost:main", Task{Body: "part two"}, p)
	if !s2.Queued {
		t.Fatalf("second body should join the window, got %+v", s2)
	}

	close(exec.release)
	waitFor(t, func() bool { return len(exec.executed()) == 1 }, "debounced run never started")
	if got := exec.executed()[0].Body; got != "part one\n\npart two" {
		t.Fatalf("debounce should coalesce bodies, got %q", got)
	}

	// The window is one-shot: nothing else fires after the flush.
	waitFor(t, func() bool { return c.State("roost:main") == LaneIdle }, "lane never settled")
	time.Sleep(100 * time.Millisecond)
	if n := len(exec.executed()); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

func TestAbort_Idempotent(t *testing.T) {
	exec := newFakeExec()
	events := bus.New()
	sub := events.Subscribe(bus.TopicRunEnd)
	defer events.Unsubscribe(sub)
	c := New(exec, events, nil, nil)

	started, _ := c.Submit("roost:main", Task{Body: "run"}, Policy{Mode: ModeInterrupt})
	<-exec.started

	if !c.AbortRun(started.RunID) {
		t.Fatal("abort of an active run should report true")
	}
	// Repeated aborts, including after the run finishes, are no-ops.
	c.AbortRun(started.RunID)
	c.Abort("roost:main")

	waitFor(t, func() bool { return c.State("roost:main") == LaneIdle }, "lane never settled")
	if c.AbortRun(started.RunID) {
		t.Fatal("aborting a finished run must be a no-op")
	}
	if c.Abort("roost:main") {
		t.Fatal("aborting an idle lane must be a no-op")
	}

	// Exactly one terminal event despite the repeated aborts.
	terminal := 0
	drain := time.After(300 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-sub.Ch():
			if end, ok := ev.Payload.(bus.RunEndEvent); ok && end.RunID == started.RunID {
				terminal++
				if !end.Aborted {
					t.Fatal("aborted run must report Aborted=true")
				}
			}
		case <-drain:
			done = true
		}
	}
	if terminal != 1 {
		t.Fatalf("terminal events = %d, want exactly 1", terminal)
	}
}

func TestTimeout_CountsAsAbort(t *testing.T) {
	exec := newFakeExec()
	events := bus.New()
	sub := events.Subscribe(bus.TopicRunEnd)
	defer events.Unsubscribe(sub)
	c := New(exec, events, nil, nil)

	started, _ := c.Submit("roost:main", Task{Body: "run"}, Policy{Mode: ModeInterrupt, Timeout: 50 * time.Millisecond})
	<-exec.started

	select {
	case ev := <-sub.Ch():
		end, ok := ev.Payload.(bus.RunEndEvent)
		if !ok || end.RunID != started.RunID {
			t.Fatalf("unexpected event %#v", ev.Payload)
		}
		if !end.Aborted {
			t.Fatal("timed-out run must report Aborted=true")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal event after timeout")
	}
}

func TestRunError_PublishesErrorEvent(t *testing.T) {
	exec := newFakeExec()
	exec.runErr = errors.New("provider exploded")
	events := bus.New()
	sub := events.Subscribe(bus.TopicRunError)
	defer events.Unsubscribe(sub)
	c := New(exec, events, nil, nil)

	started, _ := c.Submit("roost:main", Task{Body: "run"}, Policy{Mode: ModeInterrupt})
	<-exec.started
	close(exec.release)

	select {
	case ev := <-sub.Ch():
		re, ok := ev.Payload.(bus.RunErrorEvent)
		if !ok || re.RunID != started.RunID {
			t.Fatalf("unexpected event %#v", ev.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error event")
	}
}

func TestMarkStreaming(t *testing.T) {
	exec := newFakeExec()
	c := New(exec, nil, nil, nil)

	started, _ := c.Submit("roost:main", Task{Body: "run"}, Policy{Mode: ModeInterrupt})
	<-exec.started

	c.MarkStreaming(started.RunID)
	if c.State("roost:main") != LaneStreaming {
		t.Fatalf("lane state = %v, want streaming", c.State("roost:main"))
	}
	close(exec.release)
	waitFor(t, func() bool { return c.State("roost:main") == LaneIdle }, "lane never settled")
}

func TestDrain_WaitsForRuns(t *testing.T) {
	exec := newFakeExec()
	c := New(exec, nil, nil, nil)

	c.Submit("roost:main", Task{Body: "run"}, Policy{Mode: ModeInterrupt})
	<-exec.started

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("drain should time out while a run is active, got %v", err)
	}

	close(exec.release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel2()
	if err := c.Drain(ctx2); err != nil {
		t.Fatalf("drain after release: %v", err)
	}
}

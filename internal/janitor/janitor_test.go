package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-roost/internal/agent"
	"github.com/basket/go-roost/internal/dispatch"
	"github.com/basket/go-roost/internal/session"
)

func newTestManager(t *testing.T) *session.Manager {
	t.Helper()
	store := session.NewStore(session.StoreOptions{})
	return session.NewManager(store, session.ManagerConfig{
		DataDir: t.TempDir(),
		Keys:    session.KeyConfig{Scope: session.ScopePerSender},
		Reset:   session.ResetConfig{Default: session.ResetPolicy{IdleThreshold: time.Hour}},
	}, nil, nil)
}

func seed(t *testing.T, mgr *session.Manager, sender string, override string) session.Key {
	t.Helper()
	turn, err := mgr.ResolveTurn(session.KeyInput{
		AgentID:  "roost",
		Channel:  "telegram",
		SenderID: sender,
		ChatType: "direct",
		Override: override,
	}, "hello", true)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return turn.Key
}

func age(t *testing.T, mgr *session.Manager, key session.Key, d time.Duration) {
	t.Helper()
	old := time.Now().Add(-d).UnixMilli()
	if _, err := mgr.UpdateRecord(key, func(r *session.Record) { r.UpdatedAt = old }); err != nil {
		t.Fatalf("age: %v", err)
	}
}

type noticeSink struct {
	mu      sync.Mutex
	targets []dispatch.Target
}

func (n *noticeSink) deliver(ctx context.Context, tg dispatch.Target, p []agent.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.targets = append(n.targets, tg)
	return nil
}

func TestSweep_RemovesIdleKeepsFreshAndMain(t *testing.T) {
	mgr := newTestManager(t)
	sink := &noticeSink{}

	idle := seed(t, mgr, "1", "")
	fresh := seed(t, mgr, "2", "")
	main := seed(t, mgr, "3", "main")
	age(t, mgr, idle, 48*time.Hour)
	age(t, mgr, main, 48*time.Hour)

	j, err := New(Config{
		Sessions:   mgr,
		Agents:     []string{"roost"},
		SweepAfter: 24 * time.Hour,
		Deliver:    sink.deliver,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Sweep()

	if _, ok, _ := mgr.GetRecord(idle); ok {
		t.Fatal("idle session should have been swept")
	}
	if _, ok, _ := mgr.GetRecord(fresh); !ok {
		t.Fatal("fresh session must survive")
	}
	if _, ok, _ := mgr.GetRecord(main); !ok {
		t.Fatal("main session must survive regardless of idleness")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.targets) != 1 || sink.targets[0].Channel != "telegram" || sink.targets[0].To != "1" {
		t.Fatalf("sweep notice targets: %+v", sink.targets)
	}
}

func TestCompactAll_TrimsOversizedTranscripts(t *testing.T) {
	mgr := newTestManager(t)
	key := seed(t, mgr, "1", "")

	rec, ok, err := mgr.GetRecord(key)
	if err != nil || !ok {
		t.Fatalf("get record: ok=%v err=%v", ok, err)
	}
	if err := os.MkdirAll(filepath.Dir(rec.SessionFile), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	f, err := os.Create(rec.SessionFile)
	if err != nil {
		t.Fatalf("create transcript: %v", err)
	}
	for i := 0; i < 20; i++ {
		fmt.Fprintf(f, `{"type":"message","role":"user","content":"line %d"}`+"\n", i)
	}
	f.Close()

	j, err := New(Config{
		Sessions:    mgr,
		Agents:      []string{"roost"},
		CompactKeep: 5,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.CompactAll()

	after, _, _ := mgr.GetRecord(key)
	if after.CompactionCount != 1 {
		t.Fatalf("compaction count = %d, want 1", after.CompactionCount)
	}
	if after.TotalTokens != 0 {
		t.Fatalf("token counters should be cleared, got %d", after.TotalTokens)
	}

	// A second pass finds nothing left to trim.
	j.CompactAll()
	again, _, _ := mgr.GetRecord(key)
	if again.CompactionCount != 1 {
		t.Fatalf("second pass should be a no-op, count = %d", again.CompactionCount)
	}
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	mgr := newTestManager(t)
	_, err := New(Config{
		Sessions:      mgr,
		Agents:        []string{"roost"},
		SweepAfter:    time.Hour,
		SweepSchedule: "not a cron expr",
	})
	if err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}

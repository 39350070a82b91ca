// Package audit keeps a durable trail of run and session lifecycle events,
// written both as JSONL for grepping and into a sqlite table for queries.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/go-roost/internal/bus"
	"github.com/basket/go-roost/internal/telemetry"
)

type entry struct {
	Timestamp  string `json:"timestamp"`
	Kind       string `json:"kind"` // run.start, run.end, run.error, session.reset
	RunID      string `json:"run_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Model      string `json:"model,omitempty"`
	Aborted    bool   `json:"aborted,omitempty"`
	Tokens     int    `json:"tokens,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	abortCount atomic.Int64
)

const schema = `
CREATE TABLE IF NOT EXISTS run_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	kind TEXT NOT NULL,
	run_id TEXT,
	session_key TEXT,
	session_id TEXT,
	model TEXT,
	aborted INTEGER DEFAULT 0,
	tokens INTEGER DEFAULT 0,
	duration_ms INTEGER DEFAULT 0,
	detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_run_audit_session ON run_audit(session_key, ts);
`

// Init opens the JSONL trail and the sqlite table under homeDir. Calling
// Init twice is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	d, err := sql.Open("sqlite3", filepath.Join(homeDir, "audit.db"))
	if err != nil {
		f.Close()
		return err
	}
	if _, err := d.Exec(schema); err != nil {
		f.Close()
		d.Close()
		return err
	}

	file = f
	db = d
	return nil
}

// Close flushes and releases both sinks.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	if file != nil {
		err = file.Close()
		file = nil
	}
	if db != nil {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
		db = nil
	}
	return err
}

// AbortCount returns the number of aborted runs recorded since startup.
func AbortCount() int64 {
	return abortCount.Load()
}

func record(e entry) {
	if e.Aborted {
		abortCount.Add(1)
	}
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	e.Detail = telemetry.Redact(e.Detail)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}
	if db != nil {
		aborted := 0
		if e.Aborted {
			aborted = 1
		}
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO run_audit (ts, kind, run_id, session_key, session_id, model, aborted, tokens, duration_ms, detail)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.Timestamp, e.Kind, e.RunID, e.SessionKey, e.SessionID, e.Model, aborted, e.Tokens, e.DurationMs, e.Detail)
	}
}

// RecordRunStart logs a run beginning execution.
func RecordRunStart(runID, sessionKey, sessionID, model string) {
	record(entry{Kind: "run.start", RunID: runID, SessionKey: sessionKey, SessionID: sessionID, Model: model})
}

// RecordRunEnd logs a run reaching its terminal state.
func RecordRunEnd(runID, sessionKey string, aborted bool, tokens int, durationMs int64) {
	record(entry{Kind: "run.end", RunID: runID, SessionKey: sessionKey, Aborted: aborted, Tokens: tokens, DurationMs: durationMs})
}

// RecordRunError logs a run failing.
func RecordRunError(runID, sessionKey, detail string) {
	record(entry{Kind: "run.error", RunID: runID, SessionKey: sessionKey, Detail: detail})
}

// RecordLifecycle logs a daemon lifecycle event (startup, shutdown, fatal).
func RecordLifecycle(kind, detail string) {
	record(entry{Kind: kind, Detail: detail})
}

// RecordSessionReset logs a session minting a new id.
func RecordSessionReset(sessionKey, oldID, newID, trigger string) {
	record(entry{Kind: "session.reset", SessionKey: sessionKey, SessionID: newID, Detail: "from " + oldID + " via " + trigger})
}

// Watch consumes run and session events from the bus until the context is
// canceled. Run it in its own goroutine.
func Watch(ctx context.Context, events *bus.Bus) {
	sub := events.Subscribe("")
	defer events.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case bus.RunStartEvent:
				RecordRunStart(p.RunID, p.SessionKey, p.SessionID, p.Model)
			case bus.RunEndEvent:
				RecordRunEnd(p.RunID, p.SessionKey, p.Aborted, p.InputTokens+p.OutputTokens, p.DurationMs)
			case bus.RunErrorEvent:
				RecordRunError(p.RunID, p.SessionKey, p.Err)
			case bus.SessionResetEvent:
				RecordSessionReset(p.SessionKey, p.OldSessionID, p.NewSessionID, p.Trigger)
			}
		}
	}
}

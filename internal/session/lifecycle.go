package session

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-roost/internal/bus"
	"github.com/google/uuid"
)

const defaultIdleThreshold = 30 * time.Minute

// ResetPolicy controls when an idle session goes stale.
type ResetPolicy struct {
	IdleThreshold time.Duration
}

// ResetConfig resolves the reset policy for a turn and lists the trigger
// commands that force a new session.
type ResetConfig struct {
	Default    ResetPolicy
	ByChannel  map[string]ResetPolicy
	ByChatType map[string]ResetPolicy
	// Thread, when set, applies to thread- and topic-suffixed keys and
	// takes precedence over the channel and chat-type tables.
	Thread *ResetPolicy

	// Triggers force a new session when an authorized sender's message
	// matches one exactly (case-insensitive) or starts with one.
	Triggers []string
}

// DefaultResetTriggers is used when no triggers are configured.
var DefaultResetTriggers = []string{"/new", "/reset"}

// ForkConfig bounds how much parent history a forked thread session inherits.
type ForkConfig struct {
	Limit              int
	IncludeToolResults bool
}

// ManagerConfig configures the session lifecycle manager.
type ManagerConfig struct {
	// DataDir is the root under which per-agent stores and transcripts live.
	DataDir string
	Keys    KeyConfig
	Reset   ResetConfig
	Fork    ForkConfig
}

// Manager resolves the full session state needed to process one inbound
// turn: key resolution, freshness, reset triggers, fork/merge, and
// persistence of the resulting record.
type Manager struct {
	store  *Store
	cfg    ManagerConfig
	logger *slog.Logger
	events *bus.Bus
	now    func() time.Time

	trigMu   sync.RWMutex
	triggers []string
}

// NewManager creates a Manager. events may be nil.
func NewManager(store *Store, cfg ManagerConfig, logger *slog.Logger, events *bus.Bus) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Fork.Limit <= 0 {
		cfg.Fork.Limit = 20
	}
	if len(cfg.Reset.Triggers) == 0 {
		cfg.Reset.Triggers = DefaultResetTriggers
	}
	return &Manager{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		events:   events,
		now:      time.Now,
		triggers: cfg.Reset.Triggers,
	}
}

// StorePath returns the session store file for an agent.
func (m *Manager) StorePath(agentID string) string {
	return filepath.Join(m.cfg.DataDir, "agents", agentID, "sessions.json")
}

// Store exposes the underlying durable store.
func (m *Manager) Store() *Store {
	return m.store
}

// KeyConfig returns the scope policy used for key resolution.
func (m *Manager) KeyConfig() KeyConfig {
	return m.cfg.Keys
}

// ResetTriggers returns the reset trigger commands currently in effect.
func (m *Manager) ResetTriggers() []string {
	m.trigMu.RLock()
	defer m.trigMu.RUnlock()
	return m.triggers
}

// SetResetTriggers swaps the trigger commands, for config live-reload. An
// empty slice restores the defaults.
func (m *Manager) SetResetTriggers(triggers []string) {
	if len(triggers) == 0 {
		triggers = DefaultResetTriggers
	}
	m.trigMu.Lock()
	m.triggers = triggers
	m.trigMu.Unlock()
}

func (m *Manager) transcriptPath(agentID, sessionID string) string {
	return filepath.Join(m.cfg.DataDir, "agents", agentID, "transcripts", sessionID+".jsonl")
}

// Turn is the resolved session state for one inbound message.
type Turn struct {
	Key      Key
	Record   Record
	IsNew    bool // a fresh session id was minted for this turn
	WasReset bool // a reset trigger fired (implies IsNew)
	Forked   bool // parent history was copied into a new child transcript
	Merged   bool // parent history was merged into an existing child transcript
}

// ResolveTurn resolves the session key for the inbound message, decides
// fresh-vs-reset, applies fork/merge for thread children, and persists the
// resulting record. Fork and merge failures are non-fatal: the turn
// proceeds with an un-forked session.
func (m *Manager) ResolveTurn(in KeyInput, body string, authorized bool) (*Turn, error) {
	key := ResolveKey(in, m.cfg.Keys)
	path := m.StorePath(key.Agent())
	policy := m.resolvePolicy(in, key)
	wantReset := authorized && matchesResetTrigger(body, m.ResetTriggers())

	turn := &Turn{Key: key, WasReset: wantReset}
	var oldID string

	err := m.store.Update(path, func(doc map[Key]*Record) error {
		canonicalizeStoredKeys(doc, key.Agent())

		cur := doc[key]
		fresh := cur.Fresh(m.now(), policy.IdleThreshold)
		isNew := wantReset || !fresh
		if cur == nil {
			cur = &Record{}
			doc[key] = cur
		}
		oldID = cur.SessionID

		if isNew {
			// A new session id, but persisted user overrides
			// (model, thinking, queue policy) survive the reset.
			cur.SessionID = uuid.NewString()
			cur.SystemSent = false
			cur.AbortedLastRun = false
			cur.CompactionCount = 0
			cur.InputTokens = 0
			cur.OutputTokens = 0
			cur.TotalTokens = 0
			cur.SkillsSnapshot = ""
			cur.SessionFile = m.transcriptPath(key.Agent(), cur.SessionID)
		}
		if cur.SessionFile == "" {
			cur.SessionFile = m.transcriptPath(key.Agent(), cur.SessionID)
		}
		cur.UpdatedAt = m.now().UnixMilli()
		applyRouting(cur, in)

		if parent, ok := key.Parent(); ok {
			m.forkOrMerge(doc, parent, cur, isNew, turn)
		}

		turn.IsNew = isNew
		turn.Record = *cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	if turn.IsNew && oldID != "" && m.events != nil {
		trigger := "idle"
		if wantReset {
			trigger = "command"
		}
		m.events.Publish(bus.TopicSessionReset, bus.SessionResetEvent{
			SessionKey:   string(key),
			OldSessionID: oldID,
			NewSessionID: turn.Record.SessionID,
			Trigger:      trigger,
		})
	}
	return turn, nil
}

// forkOrMerge links a thread child session to its parent's history.
// Failures are logged and swallowed: the turn continues un-forked.
func (m *Manager) forkOrMerge(doc map[Key]*Record, parent Key, cur *Record, isNew bool, turn *Turn) {
	parentRec := doc[parent]
	if parentRec == nil || parentRec.SessionFile == "" {
		return
	}
	if isNew {
		err := forkTranscript(parentRec.SessionFile, cur.SessionFile, cur.SessionID,
			parent, m.cfg.Fork.Limit, m.cfg.Fork.IncludeToolResults)
		if err != nil {
			m.logger.Warn("session fork failed, continuing unforked",
				"key", string(turn.Key), "parent", string(parent), "error", err)
			return
		}
		turn.Forked = true
		return
	}
	merged, err := mergeParentTranscript(cur.SessionFile, parentRec.SessionFile, cur.SessionID,
		parent, m.cfg.Fork.Limit, m.cfg.Fork.IncludeToolResults)
	if err != nil {
		m.logger.Warn("session merge failed, continuing unmerged",
			"key", string(turn.Key), "parent", string(parent), "error", err)
		return
	}
	turn.Merged = merged
}

func applyRouting(rec *Record, in KeyInput) {
	if in.ChatType != "" {
		rec.ChatType = in.ChatType
	}
	if in.Channel != "" {
		rec.Channel = in.Channel
		rec.LastChannel = in.Channel
	}
	switch in.ChatType {
	case "group", "channel":
		if in.GroupID != "" {
			rec.LastTo = in.GroupID
		}
	default:
		if in.SenderID != "" {
			rec.LastTo = in.SenderID
		}
	}
	if in.ThreadID != "" {
		rec.LastThreadID = in.ThreadID
	}
	if in.AccountID != "" {
		rec.LastAccountID = in.AccountID
	}
}

func (m *Manager) resolvePolicy(in KeyInput, key Key) ResetPolicy {
	pick := func(p ResetPolicy) ResetPolicy {
		if p.IdleThreshold <= 0 {
			p.IdleThreshold = m.defaultThreshold()
		}
		return p
	}
	if _, isThread := key.Parent(); isThread && m.cfg.Reset.Thread != nil {
		return pick(*m.cfg.Reset.Thread)
	}
	if p, ok := m.cfg.Reset.ByChatType[in.ChatType]; ok {
		return pick(p)
	}
	if p, ok := m.cfg.Reset.ByChannel[in.Channel]; ok {
		return pick(p)
	}
	return pick(m.cfg.Reset.Default)
}

func (m *Manager) defaultThreshold() time.Duration {
	if m.cfg.Reset.Default.IdleThreshold > 0 {
		return m.cfg.Reset.Default.IdleThreshold
	}
	return defaultIdleThreshold
}

func matchesResetTrigger(body string, triggers []string) bool {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return false
	}
	for _, trig := range triggers {
		if strings.EqualFold(trimmed, trig) {
			return true
		}
		if len(trimmed) > len(trig) && strings.EqualFold(trimmed[:len(trig)], trig) &&
			(trimmed[len(trig)] == ' ' || trimmed[len(trig)] == '\n') {
			return true
		}
	}
	return false
}

// GetRecord returns a snapshot of the record for key, served from the read
// cache when fresh.
func (m *Manager) GetRecord(key Key) (Record, bool, error) {
	doc, err := m.store.Load(m.StorePath(key.Agent()))
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := doc[key]
	if !ok {
		return Record{}, false, nil
	}
	return *rec, true, nil
}

// UpdateRecord mutates the record for key under the store lock, creating it
// if absent, and returns the resulting snapshot. All directive and usage
// persistence goes through here.
func (m *Manager) UpdateRecord(key Key, mutate func(*Record)) (Record, error) {
	var snapshot Record
	err := m.store.Update(m.StorePath(key.Agent()), func(doc map[Key]*Record) error {
		canonicalizeStoredKeys(doc, key.Agent())
		cur := doc[key]
		if cur == nil {
			cur = &Record{}
			doc[key] = cur
		}
		mutate(cur)
		if cur.UpdatedAt == 0 {
			cur.UpdatedAt = m.now().UnixMilli()
		}
		snapshot = *cur
		return nil
	})
	return snapshot, err
}

// RecordUsage persists token usage and the model actually used for the
// latest run. Callers treat failures as best-effort degradations.
func (m *Manager) RecordUsage(key Key, inputTokens, outputTokens int, modelUsed string) error {
	_, err := m.UpdateRecord(key, func(rec *Record) {
		rec.InputTokens += inputTokens
		rec.OutputTokens += outputTokens
		rec.TotalTokens += inputTokens + outputTokens
		if modelUsed != "" {
			rec.LastModel = modelUsed
		}
		rec.UpdatedAt = m.now().UnixMilli()
	})
	return err
}

// MarkAborted flags the session's last run as aborted. Idempotent.
func (m *Manager) MarkAborted(key Key) error {
	_, err := m.UpdateRecord(key, func(rec *Record) {
		rec.AbortedLastRun = true
		rec.UpdatedAt = m.now().UnixMilli()
	})
	return err
}

// ClearAborted clears the aborted flag once a later turn has acknowledged it.
func (m *Manager) ClearAborted(key Key) error {
	_, err := m.UpdateRecord(key, func(rec *Record) {
		rec.AbortedLastRun = false
	})
	return err
}

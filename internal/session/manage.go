package session

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/basket/go-roost/internal/bus"
	"github.com/google/uuid"
)

// Validation errors surfaced to management callers as short text replies.
var (
	ErrNotFound    = errors.New("session not found")
	ErrMainSession = errors.New("the main session cannot be deleted")
)

// Info is a listing row for one session.
type Info struct {
	Key             Key    `json:"key"`
	SessionID       string `json:"sessionId"`
	UpdatedAt       int64  `json:"updatedAt"`
	Channel         string `json:"channel,omitempty"`
	ChatType        string `json:"chatType,omitempty"`
	DisplayName     string `json:"displayName,omitempty"`
	ModelOverride   string `json:"modelOverride,omitempty"`
	TotalTokens     int    `json:"totalTokens,omitempty"`
	CompactionCount int    `json:"compactionCount,omitempty"`
	AbortedLastRun  bool   `json:"abortedLastRun,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Channel      string
	ChatType     string
	Label        string // matches DisplayName or Subject
	ActiveWithin time.Duration
}

// List returns sessions for an agent, filtered and sorted by recency.
func (m *Manager) List(agentID string, f Filter) ([]Info, error) {
	doc, err := m.store.Load(m.StorePath(agentID))
	if err != nil {
		return nil, err
	}
	cutoff := int64(0)
	if f.ActiveWithin > 0 {
		cutoff = m.now().Add(-f.ActiveWithin).UnixMilli()
	}
	var out []Info
	for k, rec := range doc {
		if f.Channel != "" && rec.Channel != f.Channel {
			continue
		}
		if f.ChatType != "" && rec.ChatType != f.ChatType {
			continue
		}
		if f.Label != "" && rec.DisplayName != f.Label && rec.Subject != f.Label {
			continue
		}
		if cutoff > 0 && rec.UpdatedAt < cutoff {
			continue
		}
		out = append(out, Info{
			Key:             k,
			SessionID:       rec.SessionID,
			UpdatedAt:       rec.UpdatedAt,
			Channel:         rec.Channel,
			ChatType:        rec.ChatType,
			DisplayName:     rec.DisplayName,
			ModelOverride:   rec.ModelOverride,
			TotalTokens:     rec.TotalTokens,
			CompactionCount: rec.CompactionCount,
			AbortedLastRun:  rec.AbortedLastRun,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

// Patch carries optional override changes for PatchSession. Nil fields are
// left untouched; pointing at an empty string clears the override.
type Patch struct {
	ThinkingLevel   *string
	VerboseLevel    *string
	ReasoningLevel  *string
	ElevatedLevel   *string
	ModelOverride   *string
	Provider        *string
	QueueMode       *string
	QueueCap        *int
	QueueDrop       *string
	QueueDebounceMs *int
	DisplayName     *string
	Subject         *string
}

// PatchSession applies override changes to an existing session.
func (m *Manager) PatchSession(key Key, p Patch) (Record, error) {
	var snapshot Record
	err := m.store.Update(m.StorePath(key.Agent()), func(doc map[Key]*Record) error {
		canonicalizeStoredKeys(doc, key.Agent())
		rec := doc[key]
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		setStr := func(dst *string, src *string) {
			if src != nil {
				*dst = *src
			}
		}
		setStr(&rec.ThinkingLevel, p.ThinkingLevel)
		setStr(&rec.VerboseLevel, p.VerboseLevel)
		setStr(&rec.ReasoningLevel, p.ReasoningLevel)
		setStr(&rec.ElevatedLevel, p.ElevatedLevel)
		setStr(&rec.ModelOverride, p.ModelOverride)
		setStr(&rec.ProviderOverride, p.Provider)
		setStr(&rec.QueueMode, p.QueueMode)
		setStr(&rec.QueueDrop, p.QueueDrop)
		setStr(&rec.DisplayName, p.DisplayName)
		setStr(&rec.Subject, p.Subject)
		if p.QueueCap != nil {
			rec.QueueCap = *p.QueueCap
		}
		if p.QueueDebounceMs != nil {
			rec.QueueDebounceMs = *p.QueueDebounceMs
		}
		rec.UpdatedAt = m.now().UnixMilli()
		snapshot = *rec
		return nil
	})
	return snapshot, err
}

// ResetSession mints a new session id for key, preserving overrides and
// label-like metadata, and clearing counters and flags.
func (m *Manager) ResetSession(key Key) (Record, error) {
	var snapshot Record
	var oldID string
	err := m.store.Update(m.StorePath(key.Agent()), func(doc map[Key]*Record) error {
		canonicalizeStoredKeys(doc, key.Agent())
		rec := doc[key]
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		oldID = rec.SessionID
		rec.SessionID = uuid.NewString()
		rec.SystemSent = false
		rec.AbortedLastRun = false
		rec.CompactionCount = 0
		rec.InputTokens = 0
		rec.OutputTokens = 0
		rec.TotalTokens = 0
		rec.SkillsSnapshot = ""
		rec.SessionFile = m.transcriptPath(key.Agent(), rec.SessionID)
		rec.UpdatedAt = m.now().UnixMilli()
		snapshot = *rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if m.events != nil {
		m.events.Publish(bus.TopicSessionReset, bus.SessionResetEvent{
			SessionKey:   string(key),
			OldSessionID: oldID,
			NewSessionID: snapshot.SessionID,
			Trigger:      "manual",
		})
	}
	return snapshot, nil
}

// DeleteSession removes a session record. Deleting the main session key is
// refused and the store is left unchanged.
func (m *Manager) DeleteSession(key Key) error {
	if key.IsMain() {
		return ErrMainSession
	}
	return m.store.Update(m.StorePath(key.Agent()), func(doc map[Key]*Record) error {
		canonicalizeStoredKeys(doc, key.Agent())
		rec := doc[key]
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if rec.SessionFile != "" {
			if err := os.Remove(rec.SessionFile); err != nil && !os.IsNotExist(err) {
				m.logger.Warn("could not remove transcript", "path", rec.SessionFile, "error", err)
			}
		}
		delete(doc, key)
		return nil
	})
}

// CompactSession truncates the session's transcript to its last keep lines,
// archives the removed prefix, clears the now-invalid token counters, and
// bumps the compaction counter. Returns the number of removed lines.
func (m *Manager) CompactSession(key Key, keep int) (int, error) {
	removed := 0
	err := m.store.Update(m.StorePath(key.Agent()), func(doc map[Key]*Record) error {
		canonicalizeStoredKeys(doc, key.Agent())
		rec := doc[key]
		if rec == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if rec.SessionFile == "" {
			return nil
		}
		n, err := CompactTranscript(rec.SessionFile, keep)
		if err != nil {
			return err
		}
		removed = n
		if n > 0 {
			rec.CompactionCount++
			rec.InputTokens = 0
			rec.OutputTokens = 0
			rec.TotalTokens = 0
			rec.UpdatedAt = m.now().UnixMilli()
		}
		return nil
	})
	return removed, err
}

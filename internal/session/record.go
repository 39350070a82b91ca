package session

import (
	"encoding/json"
	"time"
)

// Level values for thinking/verbose/reasoning/elevated overrides. An empty
// string means "inherit the configured default".
const (
	LevelOff    = "off"
	LevelOn     = "on"
	LevelLow    = "low"
	LevelMedium = "medium"
	LevelHigh   = "high"
)

// Record is the persisted state for one session key.
type Record struct {
	SessionID      string `json:"sessionId"`
	UpdatedAt      int64  `json:"updatedAt"` // unix milliseconds
	SystemSent     bool   `json:"systemSent,omitempty"`
	AbortedLastRun bool   `json:"abortedLastRun,omitempty"`

	// Enumerated overrides. Empty means inherit.
	ThinkingLevel  string `json:"thinkingLevel,omitempty"`
	VerboseLevel   string `json:"verboseLevel,omitempty"`
	ReasoningLevel string `json:"reasoningLevel,omitempty"`
	ElevatedLevel  string `json:"elevatedLevel,omitempty"`

	ModelOverride       string `json:"modelOverride,omitempty"`
	ProviderOverride    string `json:"providerOverride,omitempty"`
	AuthProfileOverride string `json:"authProfileOverride,omitempty"`

	// Queue policy overrides for the run coordinator.
	QueueMode       string `json:"queueMode,omitempty"`
	QueueDebounceMs int    `json:"queueDebounceMs,omitempty"`
	QueueCap        int    `json:"queueCap,omitempty"`
	QueueDrop       string `json:"queueDrop,omitempty"`

	// Presentation and grouping metadata.
	ChatType    string `json:"chatType,omitempty"`
	Channel     string `json:"channel,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Room        string `json:"room,omitempty"`
	Space       string `json:"space,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	// Last-known delivery target, used when a later event must announce back.
	LastChannel   string `json:"lastChannel,omitempty"`
	LastTo        string `json:"lastTo,omitempty"`
	LastAccountID string `json:"lastAccountId,omitempty"`
	LastThreadID  string `json:"lastThreadId,omitempty"`

	// SessionFile points at the durable conversation transcript.
	SessionFile string `json:"sessionFile,omitempty"`

	// LastModel is the provider/model reference used by the most recent run.
	LastModel string `json:"lastModel,omitempty"`

	InputTokens     int `json:"inputTokens,omitempty"`
	OutputTokens    int `json:"outputTokens,omitempty"`
	TotalTokens     int `json:"totalTokens,omitempty"`
	CompactionCount int `json:"compactionCount,omitempty"`

	// SkillsSnapshot is an opaque cache of the workspace capability listing.
	SkillsSnapshot string `json:"skillsSnapshot,omitempty"`
}

// Fresh reports whether the record is within the idle threshold at the
// given instant.
func (r *Record) Fresh(now time.Time, idleThreshold time.Duration) bool {
	if r == nil || r.SessionID == "" {
		return false
	}
	age := now.UnixMilli() - r.UpdatedAt
	return age <= idleThreshold.Milliseconds()
}

// legacyFieldRenames maps pre-v2 record field names to their current names.
// New renames are appended here; nothing else in the load path needs to
// change.
var legacyFieldRenames = map[string]string{
	"updated_at": "updatedAt",
	"model":      "modelOverride",
	"provider":   "providerOverride",
	"thinking":   "thinkingLevel",
	"verbose":    "verboseLevel",
	"lastChat":   "lastTo",
}

// migrateRecord upgrades one raw record object to the current schema and
// decodes it. Unknown fields are dropped.
func migrateRecord(raw json.RawMessage) (*Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for legacy, current := range legacyFieldRenames {
		v, ok := fields[legacy]
		if !ok {
			continue
		}
		if _, taken := fields[current]; !taken {
			fields[current] = v
		}
		delete(fields, legacy)
	}
	upgraded, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(upgraded, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

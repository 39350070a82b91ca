package session

import "strings"

// Key identifies one logical conversation. The canonical form is
// "{agentID}:{qualifier}" where the qualifier is "main", "global", a
// per-sender form like "telegram:dm:12345", a group form like
// "telegram:group:67890", or any of those with a ":thread:<id>" or
// ":topic:<label>" suffix. Keys are case-sensitive and stable across
// restarts.
type Key string

const (
	qualifierMain   = "main"
	qualifierGlobal = "global"

	threadMarker = ":thread:"
	topicMarker  = ":topic:"
)

// Scope selects how inbound messages map to session keys.
type Scope string

const (
	// ScopePerSender gives every sender (or group) its own session.
	ScopePerSender Scope = "per-sender"
	// ScopeGlobal collapses all traffic for an agent into one session.
	ScopeGlobal Scope = "global"
	// ScopePerThread is per-sender plus a separate session per thread.
	ScopePerThread Scope = "per-thread"
)

// KeyInput is the inbound message context a key is derived from.
type KeyInput struct {
	AgentID    string
	Channel    string // "telegram", "webhook", "cli", ...
	AccountID  string // channel account the message arrived on
	SenderID   string
	ChatType   string // "direct", "group", "channel"
	GroupID    string
	ThreadID   string
	TopicLabel string
	// Override is an explicit session key requested by the caller.
	// It always wins over derivation.
	Override string
}

// KeyConfig is the scope policy applied during resolution.
type KeyConfig struct {
	Scope Scope
	// MainAlias is an additional name that canonicalizes to the main key,
	// alongside the literal "main".
	MainAlias string
	// ThreadSessions controls whether thread messages get their own
	// suffixed key. ScopePerThread forces this on.
	ThreadSessions bool
}

// ResolveKey derives the canonical session key for an inbound message.
// It is a pure function of its inputs and performs no I/O.
func ResolveKey(in KeyInput, cfg KeyConfig) Key {
	if o := strings.TrimSpace(in.Override); o != "" {
		return canonicalizeOverride(o, in.AgentID, cfg)
	}

	if cfg.Scope == ScopeGlobal {
		return Key(in.AgentID + ":" + qualifierGlobal)
	}

	var base string
	switch in.ChatType {
	case "group", "channel":
		base = in.AgentID + ":" + in.Channel + ":group:" + in.GroupID
	default:
		base = in.AgentID + ":" + in.Channel + ":dm:" + in.SenderID
	}

	if in.ThreadID != "" && (cfg.Scope == ScopePerThread || cfg.ThreadSessions) {
		return Key(base + threadMarker + in.ThreadID)
	}
	if in.TopicLabel != "" && (cfg.Scope == ScopePerThread || cfg.ThreadSessions) {
		return Key(base + topicMarker + in.TopicLabel)
	}
	return Key(base)
}

func canonicalizeOverride(o, agentID string, cfg KeyConfig) Key {
	lower := strings.ToLower(o)
	if lower == qualifierMain || (cfg.MainAlias != "" && strings.EqualFold(o, cfg.MainAlias)) {
		return MainKey(agentID)
	}
	// Already carries the agent prefix: use as-is.
	if o == agentID || strings.HasPrefix(o, agentID+":") {
		if o == agentID {
			return MainKey(agentID)
		}
		return Key(o)
	}
	return Key(agentID + ":" + o)
}

// MainKey returns the main session key for an agent.
func MainKey(agentID string) Key {
	return Key(agentID + ":" + qualifierMain)
}

// Agent returns the agent id segment of the key.
func (k Key) Agent() string {
	s := string(k)
	if i := strings.Index(s, ":"); i >= 0 {
		return s[:i]
	}
	return s
}

// Qualifier returns everything after the agent id.
func (k Key) Qualifier() string {
	s := string(k)
	if i := strings.Index(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return ""
}

// IsMain reports whether the key is the protected main session key.
func (k Key) IsMain() bool {
	return k.Qualifier() == qualifierMain
}

// Parent returns the parent key for a thread- or topic-suffixed key.
// The second result is false when the key has no parent.
func (k Key) Parent() (Key, bool) {
	s := string(k)
	if i := strings.LastIndex(s, threadMarker); i >= 0 {
		return Key(s[:i]), true
	}
	if i := strings.LastIndex(s, topicMarker); i >= 0 {
		return Key(s[:i]), true
	}
	return "", false
}

// canonicalizeStoredKeys migrates legacy store keys (written without the
// agent prefix) in place. Migration is idempotent: canonical keys pass
// through untouched, and a legacy key never clobbers an existing canonical
// record.
func canonicalizeStoredKeys(doc map[Key]*Record, agentID string) {
	for k, rec := range doc {
		s := string(k)
		if s == agentID || strings.HasPrefix(s, agentID+":") {
			continue
		}
		migrated := Key(agentID + ":" + s)
		if _, exists := doc[migrated]; !exists {
			doc[migrated] = rec
		}
		delete(doc, k)
	}
}

package bus

// Run lifecycle topics. The coordinator publishes exactly one terminal event
// (run.end or run.error) per run id.
const (
	TopicRunPrefix = "run."

	TopicRunStart  = "run.start"
	TopicRunOutput = "run.output"
	TopicRunEnd    = "run.end"
	TopicRunError  = "run.error"
)

// Session event topics.
const (
	TopicSessionEvent = "session.event"
	TopicSessionReset = "session.reset"
)

// RunStartEvent is published when an agent run begins executing.
type RunStartEvent struct {
	RunID      string // Run ID (unique per run, not per session)
	SessionKey string // Owning session key
	SessionID  string // Session ID active when the run started
	Model      string // Resolved provider/model reference
}

// RunOutputEvent carries a streamed output chunk from an in-flight run.
type RunOutputEvent struct {
	RunID  string
	Stream string // "text" or "media"
	Data   string
}

// RunEndEvent is published when a run reaches a terminal state without error.
type RunEndEvent struct {
	RunID        string
	SessionKey   string
	Aborted      bool // run was aborted or timed out before completion
	InputTokens  int
	OutputTokens int
	DurationMs   int64
}

// RunErrorEvent is published when a run terminates with an error.
type RunErrorEvent struct {
	RunID      string
	SessionKey string
	Err        string
}

// SessionEvent is an out-of-band system note appended to a conversation,
// e.g. an elevated-mode toggle that should be visible in the transcript.
type SessionEvent struct {
	SessionKey string
	Text       string
}

// SessionResetEvent is published when a session mints a new session id.
type SessionResetEvent struct {
	SessionKey   string
	OldSessionID string
	NewSessionID string
	Trigger      string // "idle", "command", or "manual"
}

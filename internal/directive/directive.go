// Package directive parses and applies inline session directives: model
// selection, thinking/verbose/reasoning/elevated levels, and queue mode.
// Each directive kind is a closed pair of types, one for querying the
// current effective value and one for setting it.
package directive

import (
	"fmt"
	"strings"
)

// Directive is the closed set of parsed inline directives.
type Directive interface{ isDirective() }

type (
	// ModelQuery asks for the effective model.
	ModelQuery struct{}
	// ModelSet selects a model by exact reference, alias, or fragment.
	ModelSet struct{ Fragment string }

	ThinkingQuery struct{}
	ThinkingSet   struct{ Level string }

	VerboseQuery struct{}
	VerboseSet   struct{ Level string }

	ReasoningQuery struct{}
	ReasoningSet   struct{ Level string }

	ElevatedQuery struct{}
	ElevatedSet   struct{ Level string }

	QueueQuery struct{}
	QueueSet   struct{ Mode string }
)

func (ModelQuery) isDirective()     {}
func (ModelSet) isDirective()       {}
func (ThinkingQuery) isDirective()  {}
func (ThinkingSet) isDirective()    {}
func (VerboseQuery) isDirective()   {}
func (VerboseSet) isDirective()     {}
func (ReasoningQuery) isDirective() {}
func (ReasoningSet) isDirective()   {}
func (ElevatedQuery) isDirective()  {}
func (ElevatedSet) isDirective()    {}
func (QueueQuery) isDirective()     {}
func (QueueSet) isDirective()       {}

// Queue modes accepted by /queue and the coordinator.
var QueueModes = []string{"interrupt", "steer", "followup", "collect", "steer-backlog"}

var thinkingLevels = []string{"off", "low", "medium", "high"}
var onOffLevels = []string{"off", "on"}

// ParseError carries the human-readable explanation for a malformed
// directive argument, including a hint toward the discovery form.
type ParseError struct {
	Command string
	Arg     string
	Allowed []string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%q is not a valid argument for %s; use one of %s, or bare %s to see the current value",
		e.Arg, e.Command, strings.Join(e.Allowed, ", "), e.Command)
}

// Parse extracts a leading directive from the message body. It returns the
// directive, the remaining body, and whether a directive was found. A
// command with no argument parses as a query.
func Parse(body string) (Directive, string, bool, error) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, body, false, nil
	}
	cmd := trimmed
	rest := ""
	if i := strings.IndexAny(trimmed, " \n"); i >= 0 {
		cmd, rest = trimmed[:i], strings.TrimSpace(trimmed[i:])
	}

	switch strings.ToLower(cmd) {
	case "/model":
		if rest == "" {
			return ModelQuery{}, "", true, nil
		}
		frag, remainder := splitArg(rest)
		return ModelSet{Fragment: frag}, remainder, true, nil

	case "/think", "/thinking":
		return parseLevel(cmd, rest, thinkingLevels,
			func() Directive { return ThinkingQuery{} },
			func(l string) Directive { return ThinkingSet{Level: l} })

	case "/verbose":
		return parseLevel(cmd, rest, onOffLevels,
			func() Directive { return VerboseQuery{} },
			func(l string) Directive { return VerboseSet{Level: l} })

	case "/reason", "/reasoning":
		return parseLevel(cmd, rest, onOffLevels,
			func() Directive { return ReasoningQuery{} },
			func(l string) Directive { return ReasoningSet{Level: l} })

	case "/elevated":
		return parseLevel(cmd, rest, onOffLevels,
			func() Directive { return ElevatedQuery{} },
			func(l string) Directive { return ElevatedSet{Level: l} })

	case "/queue":
		if rest == "" {
			return QueueQuery{}, "", true, nil
		}
		mode, remainder := splitArg(rest)
		mode = strings.ToLower(mode)
		if !contains(QueueModes, mode) {
			return nil, body, true, &ParseError{Command: "/queue", Arg: mode, Allowed: QueueModes}
		}
		return QueueSet{Mode: mode}, remainder, true, nil
	}
	// An unrecognized slash command is not ours; pass the body through.
	return nil, body, false, nil
}

func parseLevel(cmd, rest string, allowed []string, query func() Directive, set func(string) Directive) (Directive, string, bool, error) {
	if rest == "" {
		return query(), "", true, nil
	}
	arg, remainder := splitArg(rest)
	arg = strings.ToLower(arg)
	if !contains(allowed, arg) {
		return nil, rest, true, &ParseError{Command: cmd, Arg: arg, Allowed: allowed}
	}
	return set(arg), remainder, true, nil
}

func splitArg(s string) (arg, rest string) {
	if i := strings.IndexAny(s, " \n"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i:])
	}
	return s, ""
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

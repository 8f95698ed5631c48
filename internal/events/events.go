/**
 * CONTEXT:   Normalized hook event definitions shared by the IPC layer and the Reducer
 * INPUT:     Raw send_event payloads accepted over the local socket
 * OUTPUT:    A validated, typed Event ready for Reducer.Ingest
 * BUSINESS:  Every state transition in the daemon traces back to exactly one Event
 * CHANGE:    Generalized from a single eBPF SystemEvent type to the hook event taxonomy
 * RISK:      Medium - malformed events must be rejected, never partially applied
 */
package events

import (
	"fmt"
	"time"
)

// Kind is the tagged variant over every hook event the daemon understands.
type Kind string

const (
	KindSessionStart      Kind = "SessionStart"
	KindUserPromptSubmit  Kind = "UserPromptSubmit"
	KindPreToolUse        Kind = "PreToolUse"
	KindPostToolUse       Kind = "PostToolUse"
	KindPermissionRequest Kind = "PermissionRequest"
	KindPreCompact        Kind = "PreCompact"
	KindStop              Kind = "Stop"
	KindNotification      Kind = "Notification"
	KindSessionEnd        Kind = "SessionEnd"
	KindShellCwd          Kind = "ShellCwd"
)

func (k Kind) Valid() bool {
	switch k {
	case KindSessionStart, KindUserPromptSubmit, KindPreToolUse, KindPostToolUse,
		KindPermissionRequest, KindPreCompact, KindStop, KindNotification,
		KindSessionEnd, KindShellCwd:
		return true
	default:
		return false
	}
}

// Notification subtypes (spec.md §4.1 event -> state mapping table).
const (
	SubtypeIdlePrompt       = "idle_prompt"
	SubtypePermissionPrompt = "permission_prompt"
	SubtypeElicitation      = "elicitation_dialog"
)

// Received carries the daemon-assigned receipt timestamps (spec.md §3 Event.received_at).
type Received struct {
	Monotonic int64     // nanoseconds, process-local monotonic clock
	Wall      time.Time // wall-clock receipt time
}

// Event is the normalized internal form of a hook event, spec.md §3.
type Event struct {
	Kind           Kind
	SessionID      string
	PID            int
	ProcStartedAt  int64 // unix seconds; 0 if unknown/unverified
	PIDVerified    bool  // false if ProcStartedAt could not be determined at all
	CWD            string
	ToolKind       string
	FilePath       string
	Subtype        string
	StopHookActive bool
	ReceivedAt     Received
	// ShellFields, populated only for KindShellCwd.
	Shell ShellFields
}

// ShellFields carries the extra attributes reported by a ShellCwd event.
type ShellFields struct {
	ShellPID          int
	ParentTerminalApp string
	IsTmux            bool
	TmuxSessionName   string
	TmuxClientTTY     string
}

// ValidationError is returned by Validate for malformed/incomplete events.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate applies spec.md §4.1's validation rules. priorCWD is the last
// known cwd for this session_id (used when the payload omits cwd); it may
// be empty if unknown.
func (e *Event) Validate(priorCWD string) error {
	if !e.Kind.Valid() {
		return invalid("unknown event kind %q", e.Kind)
	}

	if e.Kind != KindShellCwd && e.SessionID == "" {
		return invalid("session_id is required for %s", e.Kind)
	}

	if e.PID == 0 {
		return invalid("pid must be non-zero")
	}

	if e.Kind == KindSessionEnd {
		// cwd may be omitted for SessionEnd.
		return nil
	}

	if e.CWD == "" {
		if priorCWD == "" {
			return invalid("%s requires a resolvable cwd", e.Kind)
		}
		e.CWD = priorCWD
	}

	return nil
}

// RequiresLiveState reports whether this kind participates in the
// event -> state mapping table (as opposed to ShellCwd, which never does).
func (k Kind) RequiresLiveState() bool {
	return k != KindShellCwd
}

/**
 * CONTEXT:   Tests for Event validation rules
 * INPUT:     Hand-built Event values covering the required-field matrix
 * OUTPUT:    Assertions that Validate accepts/rejects per spec.md §4.1
 * BUSINESS:  A bad Validate lets a malformed event corrupt the Reducer's state map
 * CHANGE:    New test suite for a new component (no teacher equivalent)
 * RISK:      Medium - validation is the daemon's only defense against garbage input
 */
package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_RejectsUnknownKind(t *testing.T) {
	e := &Event{Kind: Kind("Bogus"), SessionID: "s1", PID: 1, CWD: "/x"}
	err := e.Validate("")
	require.Error(t, err)
}

func TestValidate_RequiresSessionIDExceptForShellCwd(t *testing.T) {
	e := &Event{Kind: KindUserPromptSubmit, PID: 1, CWD: "/x"}
	require.Error(t, e.Validate(""))

	shellEvt := &Event{Kind: KindShellCwd, PID: 1, CWD: "/x"}
	assert.NoError(t, shellEvt.Validate(""))
}

func TestValidate_RequiresNonZeroPID(t *testing.T) {
	e := &Event{Kind: KindSessionStart, SessionID: "s1", PID: 0, CWD: "/x"}
	require.Error(t, e.Validate(""))
}

func TestValidate_SessionEndAllowsEmptyCWD(t *testing.T) {
	e := &Event{Kind: KindSessionEnd, SessionID: "s1", PID: 1}
	assert.NoError(t, e.Validate(""))
}

func TestValidate_EmptyCWDFallsBackToPriorCWD(t *testing.T) {
	e := &Event{Kind: KindPostToolUse, SessionID: "s1", PID: 1}
	err := e.Validate("/prior/cwd")
	require.NoError(t, err)
	assert.Equal(t, "/prior/cwd", e.CWD, "Validate fills in the missing cwd from the prior known value")
}

func TestValidate_EmptyCWDWithNoPriorIsRejected(t *testing.T) {
	e := &Event{Kind: KindPostToolUse, SessionID: "s1", PID: 1}
	err := e.Validate("")
	require.Error(t, err)
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindSessionStart.Valid())
	assert.True(t, KindShellCwd.Valid())
	assert.False(t, Kind("NotARealKind").Valid())
}

func TestRequiresLiveState(t *testing.T) {
	assert.False(t, KindShellCwd.RequiresLiveState())
	assert.True(t, KindSessionStart.RequiresLiveState())
	assert.True(t, KindNotification.RequiresLiveState())
}

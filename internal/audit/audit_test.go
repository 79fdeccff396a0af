package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptRecordsEvent(t *testing.T) {
	var events []Event
	recorder := NewRecorder(func(event Event) { events = append(events, event) })

	done := recorder.Attempt("alice-subject", "sql-prod", "resolveRunAs")
	time.Sleep(5 * time.Millisecond)
	done(OutcomeSuccess, true)

	require.Len(t, events, 1)
	event := events[0]
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, "alice-subject", event.SubjectID)
	assert.Equal(t, "sql-prod", event.Module)
	assert.Equal(t, "resolveRunAs", event.Operation)
	assert.Equal(t, OutcomeSuccess, event.Outcome)
	assert.True(t, event.Cached)
	assert.GreaterOrEqual(t, event.LatencyMs, int64(5))
}

func TestFailureOutcomeRecorded(t *testing.T) {
	var events []Event
	recorder := NewRecorder(func(event Event) { events = append(events, event) })

	done := recorder.Attempt("alice-subject", "kerb-files", "s4u2proxy")
	done("TargetNotAllowed", false)

	require.Len(t, events, 1)
	assert.Equal(t, "TargetNotAllowed", events[0].Outcome)
	assert.False(t, events[0].Cached)
}

func TestNilSinkDefaultsToLogging(t *testing.T) {
	recorder := NewRecorder(nil)
	// Must not panic even before logging.Init.
	recorder.Attempt("s", "m", "op")(OutcomeSuccess, false)
}

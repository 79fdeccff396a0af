package health

import (
	"testing"

	"onbehalf/internal/api"

	"github.com/stretchr/testify/assert"
)

func TestTrackerTransitions(t *testing.T) {
	tracker := NewTracker()
	assert.Equal(t, api.HealthOK, tracker.Status().State)

	tracker.RecordFailure("KDC dc01:88 unreachable")
	status := tracker.Status()
	assert.Equal(t, api.HealthDegraded, status.State)
	assert.Equal(t, "KDC dc01:88 unreachable", status.Reason)

	tracker.RecordFailure("KDC dc01:88 unreachable")
	tracker.RecordFailure("KDC dc01:88 unreachable")
	assert.Equal(t, api.HealthDown, tracker.Status().State)

	tracker.RecordSuccess()
	assert.Equal(t, api.HealthOK, tracker.Status().State)
	assert.Empty(t, tracker.Status().Reason)
}

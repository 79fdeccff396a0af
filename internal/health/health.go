// Package health tracks per-engine upstream health from observed call
// outcomes. Engines record successes and failures; the registry reads
// the aggregated status. A down engine still accepts invocations since
// outages are often transient and each call fails fast on its own.
package health

import (
	"sync"

	"onbehalf/internal/api"
)

// downThreshold is the consecutive-failure count at which an engine
// reports down rather than degraded.
const downThreshold = 3

// Tracker aggregates call outcomes into a HealthStatus.
type Tracker struct {
	mu                  sync.Mutex
	consecutiveFailures int
	lastFailure         string
	sawSuccess          bool
}

// NewTracker creates a Tracker reporting ok until told otherwise.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordSuccess resets the failure streak.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures = 0
	t.lastFailure = ""
	t.sawSuccess = true
}

// RecordFailure notes an upstream failure with its reason. Terminal
// per-request failures (policy denials, identity problems) should NOT
// be recorded: a caller feeding in a bad token says nothing about the
// engine's health.
func (t *Tracker) RecordFailure(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveFailures++
	t.lastFailure = reason
}

// Status returns the aggregated health.
func (t *Tracker) Status() api.HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.consecutiveFailures == 0:
		return api.HealthStatus{State: api.HealthOK}
	case t.consecutiveFailures >= downThreshold:
		return api.HealthStatus{State: api.HealthDown, Reason: t.lastFailure}
	default:
		return api.HealthStatus{State: api.HealthDegraded, Reason: t.lastFailure}
	}
}

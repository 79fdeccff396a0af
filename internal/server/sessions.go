package server

import (
	"sync"
	"time"
)

// sessionTracker records per-session activity so the janitor can purge
// credentials of sessions that went away without a clean close.
type sessionTracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{
		lastSeen: make(map[string]time.Time),
		now:      time.Now,
	}
}

// touch marks the session as active.
func (t *sessionTracker) touch(sessionID string) {
	if sessionID == "" {
		return
	}
	t.mu.Lock()
	t.lastSeen[sessionID] = t.now()
	t.mu.Unlock()
}

// remove forgets the session.
func (t *sessionTracker) remove(sessionID string) {
	t.mu.Lock()
	delete(t.lastSeen, sessionID)
	t.mu.Unlock()
}

// expire returns and forgets every session idle for longer than
// timeout.
func (t *sessionTracker) expire(timeout time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-timeout)
	var expired []string
	for sessionID, seen := range t.lastSeen {
		if seen.Before(cutoff) {
			expired = append(expired, sessionID)
			delete(t.lastSeen, sessionID)
		}
	}
	return expired
}

func (t *sessionTracker) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.lastSeen)
}

package session

import (
	"sync"
	"time"
)

// ActivityLog collects liveness signals emitted by running sessions. The
// engine touches it on every streamed event; the watchdog reads it on its
// own schedule. Sessions never write to the chat transport through here.
type ActivityLog struct {
	mu       sync.RWMutex
	lastSeen map[string]time.Time
	errors   map[string]int
	started  map[string]time.Time
}

// NewActivityLog creates an empty activity log.
func NewActivityLog() *ActivityLog {
	return &ActivityLog{
		lastSeen: make(map[string]time.Time),
		errors:   make(map[string]int),
		started:  make(map[string]time.Time),
	}
}

// Begin records a session start and resets its error streak.
func (a *ActivityLog) Begin(sessionID string) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started[sessionID] = now
	a.lastSeen[sessionID] = now
	a.errors[sessionID] = 0
}

// Touch records a liveness signal for a session.
func (a *ActivityLog) Touch(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSeen[sessionID] = time.Now()
}

// RecordError increments the consecutive-error streak for a session.
func (a *ActivityLog) RecordError(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errors[sessionID]++
}

// End removes a finished session from the log.
func (a *ActivityLog) End(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.lastSeen, sessionID)
	delete(a.errors, sessionID)
	delete(a.started, sessionID)
}

// LastSeen returns the last liveness timestamp for a session. The second
// return value is false when the session is not tracked.
func (a *ActivityLog) LastSeen(sessionID string) (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.lastSeen[sessionID]
	return t, ok
}

// StartedAt returns when a session began.
func (a *ActivityLog) StartedAt(sessionID string) (time.Time, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.started[sessionID]
	return t, ok
}

// ErrorStreak returns the consecutive-error count for a session.
func (a *ActivityLog) ErrorStreak(sessionID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.errors[sessionID]
}

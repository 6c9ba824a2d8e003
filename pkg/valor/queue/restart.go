package queue

import "sync/atomic"

// RestartSignal is a cooperative restart flag. Anyone may request a restart;
// workers only act on it between jobs, and only once no job is running
// anywhere; a session in flight is never killed mid-response.
type RestartSignal struct {
	requested atomic.Bool
	fired     atomic.Bool
	onRestart func()
}

// NewRestartSignal creates a restart signal. fn runs exactly once, when the
// signal fires.
func NewRestartSignal(fn func()) *RestartSignal {
	return &RestartSignal{onRestart: fn}
}

// Request sets the restart flag.
func (r *RestartSignal) Request() {
	r.requested.Store(true)
}

// Requested reports whether a restart is pending.
func (r *RestartSignal) Requested() bool {
	return r.requested.Load() && !r.fired.Load()
}

// fire triggers the restart callback at most once.
func (r *RestartSignal) fire() {
	if r.fired.CompareAndSwap(false, true) && r.onRestart != nil {
		r.onRestart()
	}
}

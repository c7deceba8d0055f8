package callctl

import "time"

// Timer measures answered-to-hangup time. It keeps counting through hold
// and conference.
type Timer struct {
	startedAt time.Time
	stoppedAt time.Time
}

// Start begins counting at the answer timestamp.
func (t *Timer) Start(at time.Time) {
	t.startedAt = at
	t.stoppedAt = time.Time{}
}

// Stop freezes the value. Stopping a timer that never started is a no-op.
func (t *Timer) Stop(at time.Time) {
	if t.startedAt.IsZero() || !t.stoppedAt.IsZero() {
		return
	}
	t.stoppedAt = at
}

// Reset returns the timer to zero.
func (t *Timer) Reset() {
	*t = Timer{}
}

// Running reports whether the timer is counting.
func (t Timer) Running() bool {
	return !t.startedAt.IsZero() && t.stoppedAt.IsZero()
}

// Elapsed returns the value at now.
func (t Timer) Elapsed(now time.Time) time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	end := now
	if !t.stoppedAt.IsZero() {
		end = t.stoppedAt
	}
	if end.Before(t.startedAt) {
		return 0
	}
	return end.Sub(t.startedAt)
}

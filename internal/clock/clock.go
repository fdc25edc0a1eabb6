// Package clock abstracts wall-clock time so that timers, schedulers and
// timeouts can be driven deterministically in tests.
//
// Production code takes a Clock (usually Real()); tests inject a
// FakeClock and move time forward with Advance.
package clock

import "time"

// Clock is the subset of the time package used by snaphost.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed and returns a handle that
	// can cancel the pending call. With the real clock f runs in its
	// own goroutine; with the fake clock f runs synchronously inside
	// Advance (or inside AfterFunc itself when d <= 0).
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the pending call from running. It reports whether the
// call was still pending.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Package timer provides a cancelable, pausable countdown used for snap
// scheduling and command timeouts.
//
// A Timer moves through four states:
//
//	stopped → paused → running → finished
//
// Start moves a stopped timer to running (passing through paused),
// Pause and Resume toggle between running and paused, and expiry or
// Cancel moves it to finished. Finished is terminal and the callback
// runs at most once.
package timer

import (
	"math"
	"sync"
	"time"

	"github.com/flemzord/snaphost/internal/clock"
)

// Infinite is a duration that never expires.
const Infinite = time.Duration(math.MaxInt64)

// State is the lifecycle state of a Timer.
type State int

// Timer states.
const (
	Stopped State = iota
	Paused
	Running
	Finished
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Paused:
		return "paused"
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Option configures a Timer.
type Option func(*Timer)

// WithClock sets the clock used to measure time. Defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(t *Timer) {
		if c != nil {
			t.clock = c
		}
	}
}

// Timer is a one-shot countdown. The zero value is not usable; create
// timers with New or FromMilliseconds.
type Timer struct {
	mu        sync.Mutex
	clock     clock.Clock
	state     State
	remaining time.Duration
	startedAt time.Time
	callback  func()
	handle    *clock.Timer

	// generation invalidates expiry callbacks scheduled before the most
	// recent Pause or Cancel.
	generation uint64
}

// New returns a stopped Timer that expires d after it is started.
// A negative d returns ErrInvalidArgument; Infinite never expires.
func New(d time.Duration, opts ...Option) (*Timer, error) {
	if d < 0 {
		return nil, ErrInvalidArgument
	}
	t := &Timer{
		clock:     clock.Real(),
		state:     Stopped,
		remaining: d,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// FromMilliseconds is like New but takes a float millisecond count, as
// found in configuration and protocol payloads. NaN and negative values
// are rejected; +Inf maps to Infinite.
func FromMilliseconds(ms float64, opts ...Option) (*Timer, error) {
	switch {
	case math.IsNaN(ms), ms < 0:
		return nil, ErrInvalidArgument
	case math.IsInf(ms, 1), ms >= float64(Infinite/time.Millisecond):
		return New(Infinite, opts...)
	}
	return New(time.Duration(ms*float64(time.Millisecond)), opts...)
}

// Start arms a stopped timer. cb runs once when the timer expires,
// after the timer has already transitioned to Finished.
func (t *Timer) Start(cb func()) error {
	if cb == nil {
		return ErrInvalidArgument
	}

	t.mu.Lock()
	if t.state != Stopped {
		t.mu.Unlock()
		return ErrInvalidState
	}
	t.callback = cb
	t.state = Paused
	t.mu.Unlock()

	return t.Resume()
}

// Pause suspends a running timer, keeping the time left.
func (t *Timer) Pause() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Running {
		return ErrInvalidState
	}
	t.remaining = t.remainingLocked()
	t.stopLocked()
	t.state = Paused
	return nil
}

// Resume re-arms a paused timer with the time left.
func (t *Timer) Resume() error {
	t.mu.Lock()
	if t.state != Paused {
		t.mu.Unlock()
		return ErrInvalidState
	}
	t.state = Running
	t.startedAt = t.clock.Now()
	t.generation++
	generation := t.generation
	remaining := t.remaining
	t.mu.Unlock()

	if remaining == Infinite {
		return nil
	}

	// The lock is released before arming: a clock may run the callback
	// synchronously when remaining <= 0.
	handle := t.clock.AfterFunc(remaining, func() { t.expire(generation) })

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Running && t.generation == generation {
		t.handle = handle
	} else {
		handle.Stop()
	}
	return nil
}

// Cancel finishes a running or paused timer without invoking its
// callback.
func (t *Timer) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Running && t.state != Paused {
		return ErrInvalidState
	}
	t.stopLocked()
	t.state = Finished
	t.callback = nil
	return nil
}

// State returns the current state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Remaining returns the time left before expiry. It is Infinite for
// timers that never fire and 0 once finished.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Finished {
		return 0
	}
	return t.remainingLocked()
}

func (t *Timer) remainingLocked() time.Duration {
	if t.state != Running || t.remaining == Infinite {
		return t.remaining
	}
	left := t.remaining - t.clock.Now().Sub(t.startedAt)
	return max(left, 0)
}

func (t *Timer) stopLocked() {
	t.generation++
	if t.handle != nil {
		t.handle.Stop()
		t.handle = nil
	}
}

func (t *Timer) expire(generation uint64) {
	t.mu.Lock()
	if t.state != Running || t.generation != generation {
		t.mu.Unlock()
		return
	}
	t.state = Finished
	t.remaining = 0
	t.handle = nil
	cb := t.callback
	t.callback = nil
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

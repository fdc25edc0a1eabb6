package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time only moves when Advance is
// called. It is safe for concurrent use.
//
// AfterFunc callbacks run synchronously in the goroutine calling
// Advance, in deadline order. A callback may register new timers, which
// fire within the same Advance if their deadline is reached, but must
// not call Advance itself.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*waiter
	seq     uint64
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	seq      uint64
	callback func()
	channel  chan time.Time
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{now: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives once the clock passes now+d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.addLocked(&waiter{deadline: c.now.Add(d), channel: ch})
	return ch
}

// AfterFunc registers f to run once the clock passes now+d. When
// d <= 0, f runs before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stopFunc: func() bool { return false }}
	}

	c.mu.Lock()
	w := &waiter{deadline: c.now.Add(d), callback: f}
	c.addLocked(w)
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		c.changed.Broadcast()
		return true
	}}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.seq++
	w.seq = c.seq
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d and fires every waiter whose
// deadline has been reached, one at a time in deadline order. While a
// waiter fires, Now reports its deadline, so a callback that re-arms a
// timer measures from the moment it fired.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		w := c.popDue(target)
		if w == nil {
			break
		}
		if w.callback != nil {
			w.callback()
			continue
		}
		select {
		case w.channel <- w.deadline:
		default:
		}
	}

	c.mu.Lock()
	if target.After(c.now) {
		c.now = target
	}
	c.mu.Unlock()
}

// popDue removes the earliest waiter due at target, moves the clock to
// its deadline and returns it. Ties go to the waiter registered first.
func (c *FakeClock) popDue(target time.Time) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		pending = append(pending, w)
	}
	c.waiters = pending
	for i, w := range c.waiters {
		if w.deadline.After(target) {
			continue
		}
		if idx < 0 || earlier(w, c.waiters[idx]) {
			idx = i
		}
	}
	c.changed.Broadcast()
	if idx < 0 {
		return nil
	}

	w := c.waiters[idx]
	c.waiters = slices.Delete(c.waiters, idx, idx+1)
	w.fired = true
	if w.deadline.After(c.now) {
		c.now = w.deadline
	}
	return w
}

func earlier(a, b *waiter) bool {
	if a.deadline.Equal(b.deadline) {
		return a.seq < b.seq
	}
	return a.deadline.Before(b.deadline)
}

// Pending returns the number of registered, not yet fired or stopped
// waiters.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

// WaitForTimers blocks until at least n waiters are pending. It closes
// the race between a goroutine registering a timer and the test
// advancing the clock.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

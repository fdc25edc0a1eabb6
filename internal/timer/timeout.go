package timer

import (
	"context"
	"time"

	"github.com/flemzord/snaphost/internal/clock"
)

// WithTimeout runs op and waits for it until t expires. If t expires
// first, WithTimeout returns ErrTimedOut so the caller can apply its own
// fallback.
//
// op is never cancelled by a timeout: WithTimeout only stops waiting.
// Callers holding resources op depends on must release them
// explicitly. ctx is passed to op unchanged and also ends the wait.
//
// t must be stopped; it is cancelled on return if it has not expired.
func WithTimeout[T any](ctx context.Context, t *Timer, op func(context.Context) (T, error)) (T, error) {
	var zero T

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	expired := make(chan struct{})

	if err := t.Start(func() { close(expired) }); err != nil {
		return zero, err
	}
	defer func() { _ = t.Cancel() }()

	go func() {
		v, err := op(ctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-expired:
		return zero, ErrTimedOut
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// WithTimeoutDuration is WithTimeout with a fresh timer of duration d
// measured on c (clock.Real() when nil).
func WithTimeoutDuration[T any](ctx context.Context, d time.Duration, c clock.Clock, op func(context.Context) (T, error)) (T, error) {
	t, err := New(d, WithClock(c))
	if err != nil {
		var zero T
		return zero, err
	}
	return WithTimeout(ctx, t, op)
}

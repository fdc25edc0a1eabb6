package timer

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/flemzord/snaphost/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newFakeTimer(t *testing.T, d time.Duration) (*Timer, *clock.FakeClock) {
	t.Helper()
	c := clock.Fake(epoch)
	tm, err := New(d, WithClock(c))
	if err != nil {
		t.Fatalf("New(%v): %v", d, err)
	}
	return tm, c
}

func TestNew_RejectsNegative(t *testing.T) {
	t.Parallel()

	if _, err := New(-time.Second); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestFromMilliseconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ms      float64
		want    time.Duration
		wantErr bool
	}{
		{name: "nan", ms: math.NaN(), wantErr: true},
		{name: "negative", ms: -1, wantErr: true},
		{name: "zero", ms: 0, want: 0},
		{name: "fractional", ms: 1.5, want: 1500 * time.Microsecond},
		{name: "infinity", ms: math.Inf(1), want: Infinite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tm, err := FromMilliseconds(tt.ms)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArgument) {
					t.Fatalf("err = %v, want ErrInvalidArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := tm.Remaining(); got != tt.want {
				t.Errorf("Remaining() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimer_FiresOnce(t *testing.T) {
	t.Parallel()

	tm, c := newFakeTimer(t, time.Second)
	calls := 0
	if err := tm.Start(func() { calls++ }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tm.State() != Running {
		t.Fatalf("State() = %v, want running", tm.State())
	}

	c.Advance(999 * time.Millisecond)
	if calls != 0 {
		t.Fatal("fired early")
	}
	c.Advance(time.Millisecond)
	c.Advance(time.Hour)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if tm.State() != Finished {
		t.Fatalf("State() = %v, want finished", tm.State())
	}
}

func TestTimer_FinishedBeforeCallback(t *testing.T) {
	t.Parallel()

	tm, c := newFakeTimer(t, time.Second)
	var stateInCallback State
	var cancelErr error
	_ = tm.Start(func() {
		stateInCallback = tm.State()
		cancelErr = tm.Cancel()
	})
	c.Advance(time.Second)

	if stateInCallback != Finished {
		t.Errorf("state in callback = %v, want finished", stateInCallback)
	}
	if !errors.Is(cancelErr, ErrInvalidState) {
		t.Errorf("re-entrant Cancel err = %v, want ErrInvalidState", cancelErr)
	}
}

func TestTimer_CancelStoppedFails(t *testing.T) {
	t.Parallel()

	tm, _ := newFakeTimer(t, time.Second)
	if err := tm.Cancel(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestTimer_CancelSkipsCallback(t *testing.T) {
	t.Parallel()

	tm, c := newFakeTimer(t, time.Second)
	fired := false
	_ = tm.Start(func() { fired = true })

	if err := tm.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	c.Advance(time.Minute)

	if fired {
		t.Fatal("cancelled timer fired")
	}
	if tm.State() != Finished {
		t.Fatalf("State() = %v, want finished", tm.State())
	}
	if err := tm.Start(func() {}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("restart err = %v, want ErrInvalidState", err)
	}
}

func TestTimer_PauseResumePreservesRemaining(t *testing.T) {
	t.Parallel()

	tm, c := newFakeTimer(t, 10*time.Second)
	fired := false
	_ = tm.Start(func() { fired = true })

	c.Advance(4 * time.Second)
	if err := tm.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := tm.Remaining(); got != 6*time.Second {
		t.Fatalf("Remaining() after pause = %v, want 6s", got)
	}

	// Time spent paused does not count.
	c.Advance(time.Hour)
	if fired {
		t.Fatal("paused timer fired")
	}

	if err := tm.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := tm.Remaining(); got != 6*time.Second {
		t.Fatalf("Remaining() after resume = %v, want 6s", got)
	}

	c.Advance(5 * time.Second)
	if fired {
		t.Fatal("fired before remaining elapsed")
	}
	c.Advance(time.Second)
	if !fired {
		t.Fatal("did not fire after remaining elapsed")
	}
}

func TestTimer_WrongStateTransitions(t *testing.T) {
	t.Parallel()

	tm, _ := newFakeTimer(t, time.Second)
	if err := tm.Pause(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Pause on stopped: err = %v", err)
	}
	if err := tm.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume on stopped: err = %v", err)
	}

	_ = tm.Start(func() {})
	if err := tm.Start(func() {}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double Start: err = %v", err)
	}
	if err := tm.Resume(); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Resume on running: err = %v", err)
	}
}

func TestTimer_InfiniteNeverFires(t *testing.T) {
	t.Parallel()

	tm, c := newFakeTimer(t, Infinite)
	fired := false
	_ = tm.Start(func() { fired = true })

	c.Advance(100 * 365 * 24 * time.Hour)
	if fired {
		t.Fatal("infinite timer fired")
	}
	if got := tm.Remaining(); got != Infinite {
		t.Fatalf("Remaining() = %v, want Infinite", got)
	}
	if err := tm.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := tm.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
}

func TestTimer_ZeroFiresImmediately(t *testing.T) {
	t.Parallel()

	tm, _ := newFakeTimer(t, 0)
	fired := false
	_ = tm.Start(func() { fired = true })
	if !fired {
		t.Fatal("zero-duration timer should fire at the first opportunity")
	}
}

func TestTimer_NilCallback(t *testing.T) {
	t.Parallel()

	tm, _ := newFakeTimer(t, time.Second)
	if err := tm.Start(nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("err = %v, want ErrInvalidArgument", err)
	}
}

func TestWithTimeout_OperationWins(t *testing.T) {
	t.Parallel()

	tm, _ := newFakeTimer(t, time.Hour)
	got, err := WithTimeout(context.Background(), tm, func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q, want ok", got)
	}
	if tm.State() != Finished {
		t.Fatalf("timer state = %v, want finished (cancelled)", tm.State())
	}
}

func TestWithTimeout_TimerWins(t *testing.T) {
	t.Parallel()

	tm, c := newFakeTimer(t, time.Second)
	release := make(chan struct{})
	defer close(release)

	errCh := make(chan error, 1)
	go func() {
		_, err := WithTimeout(context.Background(), tm, func(context.Context) (int, error) {
			<-release
			return 1, nil
		})
		errCh <- err
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)

	if err := <-errCh; !errors.Is(err, ErrTimedOut) {
		t.Fatalf("err = %v, want ErrTimedOut", err)
	}
}

func TestWithTimeout_PropagatesOperationError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := WithTimeoutDuration(context.Background(), time.Hour, nil, func(context.Context) (struct{}, error) {
		return struct{}{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestWithTimeout_RejectsStartedTimer(t *testing.T) {
	t.Parallel()

	tm, _ := newFakeTimer(t, time.Hour)
	_ = tm.Start(func() {})
	_, err := WithTimeout(context.Background(), tm, func(context.Context) (int, error) { return 0, nil })
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

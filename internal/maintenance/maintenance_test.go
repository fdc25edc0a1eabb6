package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// simpleJob is a minimal Job for scheduler tests.
type simpleJob struct {
	name     string
	schedule string
	runFunc  func(ctx context.Context) error
	mu       sync.Mutex
	calls    int
}

func (j *simpleJob) Name() string     { return j.name }
func (j *simpleJob) Schedule() string { return j.schedule }
func (j *simpleJob) Run(ctx context.Context) error {
	j.mu.Lock()
	j.calls++
	j.mu.Unlock()
	if j.runFunc != nil {
		return j.runFunc(ctx)
	}
	return nil
}

func TestScheduler_RegisterJob_DuplicateName(t *testing.T) {
	t.Parallel()

	s := NewScheduler(slog.Default())
	if err := s.RegisterJob(&simpleJob{name: "test", schedule: "* * * * *"}); err != nil {
		t.Fatalf("first registration should succeed: %v", err)
	}
	if err := s.RegisterJob(&simpleJob{name: "test", schedule: "@hourly"}); err == nil {
		t.Fatal("duplicate registration should fail")
	}
}

func TestScheduler_RegisterJob_InvalidSchedule(t *testing.T) {
	t.Parallel()

	s := NewScheduler(slog.Default())
	for _, expr := range []string{"invalid", "", "60 * * * *", "* * * * * *"} {
		if err := s.RegisterJob(&simpleJob{name: expr, schedule: expr}); err == nil {
			t.Errorf("expected error for schedule %q", expr)
		}
	}
}

func TestScheduler_RegisterAfterStart(t *testing.T) {
	t.Parallel()

	s := NewScheduler(nil)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	if err := s.RegisterJob(&simpleJob{name: "late", schedule: "@daily"}); err == nil {
		t.Fatal("expected error registering after start")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	t.Parallel()

	s := NewScheduler(slog.Default())
	_ = s.RegisterJob(&simpleJob{name: "noop", schedule: "@every 1h"})
	if err := s.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	entries := s.Entries()
	if len(entries) != 1 || entries[0].Name != "noop" || entries[0].Next.IsZero() {
		t.Errorf("entries = %+v", entries)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	t.Parallel()

	s := NewScheduler(slog.Default())
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
}

func TestScheduler_RunNow_SkipsOverlap(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{})
	job := &simpleJob{
		name:     "slow",
		schedule: "@daily",
		runFunc: func(context.Context) error {
			close(entered)
			<-release
			return nil
		},
	}
	s := NewScheduler(slog.Default())
	if err := s.RegisterJob(job); err != nil {
		t.Fatal(err)
	}

	done := make(chan bool)
	go func() {
		ran, _ := s.RunNow("slow")
		done <- ran
	}()
	<-entered

	if ran, err := s.RunNow("slow"); err != nil || ran {
		t.Errorf("overlapping RunNow = %v, %v; want skipped", ran, err)
	}
	close(release)
	if !<-done {
		t.Error("first RunNow did not run")
	}
	if _, err := s.RunNow("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestScheduler_JobErrorIsLogged(t *testing.T) {
	t.Parallel()

	s := NewScheduler(slog.Default())
	_ = s.RegisterJob(&simpleJob{
		name:     "failing",
		schedule: "* * * * *",
		runFunc:  func(context.Context) error { return errors.New("job failed") },
	})
	if ran, err := s.RunNow("failing"); err != nil || !ran {
		t.Fatalf("RunNow = %v, %v", ran, err)
	}
}

type fakeSnaps struct {
	maxIdle   time.Duration
	installed []string
}

func (f *fakeSnaps) StopIdle(_ context.Context, maxIdle time.Duration) []string {
	f.maxIdle = maxIdle
	return []string{"npm:a"}
}

func (f *fakeSnaps) InstalledSnaps() []string { return f.installed }

type fakePruner struct {
	got []string
	err error
}

func (f *fakePruner) Prune(_ context.Context, installed []string) (int64, error) {
	f.got = installed
	return int64(len(installed)), f.err
}

func TestIdleSnapJob(t *testing.T) {
	t.Parallel()

	snaps := &fakeSnaps{}
	j := &IdleSnapJob{Snaps: snaps, MaxIdle: 5 * time.Minute, Logger: slog.Default()}
	if j.Schedule() != "* * * * *" {
		t.Errorf("schedule = %q", j.Schedule())
	}
	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if snaps.maxIdle != 5*time.Minute {
		t.Errorf("maxIdle = %v", snaps.maxIdle)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Run(ctx); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestStatePruneJob(t *testing.T) {
	t.Parallel()

	store := &fakePruner{}
	j := &StatePruneJob{Store: store, Snaps: &fakeSnaps{installed: []string{"npm:a", "npm:b"}}, Logger: slog.Default()}
	if j.Schedule() != "@hourly" {
		t.Errorf("schedule = %q", j.Schedule())
	}
	if err := j.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.got) != 2 {
		t.Errorf("prune got %v", store.got)
	}

	store.err = errors.New("disk full")
	if err := j.Run(context.Background()); err == nil {
		t.Error("expected prune error")
	}
}

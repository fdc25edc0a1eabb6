package cronjob_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/snaphost/internal/clock"
	"github.com/flemzord/snaphost/internal/cronjob"
	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/snap"
	"github.com/flemzord/snaphost/internal/snapperm"
)

// fakeSnaps records the requests the scheduler sends.
type fakeSnaps struct {
	mu       sync.Mutex
	runnable []string
	requests []snap.Request
	err      error
}

func (f *fakeSnaps) RunnableSnaps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.runnable)
}

func (f *fakeSnaps) HandleRequest(_ context.Context, req snap.Request) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return json.RawMessage(`null`), f.err
}

func (f *fakeSnaps) Subscribe(func(snap.Event)) func() { return func() {} }

func (f *fakeSnaps) calls() []snap.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.requests)
}

type fixture struct {
	clock *clock.FakeClock
	snaps *fakeSnaps
	perms *permission.Controller
	store *cronjob.MemoryStore
	ctrl  *cronjob.Controller
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	reg, err := snapperm.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	f := &fixture{
		clock: clock.Fake(now),
		snaps: &fakeSnaps{},
		perms: permission.NewController(reg, snapperm.HostHooks{}.Map()),
		store: cronjob.NewMemoryStore(),
	}
	f.ctrl = cronjob.NewController(f.snaps, f.perms,
		cronjob.WithClock(f.clock),
		cronjob.WithStore(f.store),
	)
	t.Cleanup(f.ctrl.Stop)
	return f
}

// grant gives snapID a cronjob permission with jobs, given as
// expression/method pairs.
func (f *fixture) grant(t *testing.T, snapID string, jobs ...string) {
	t.Helper()
	var specs []snapperm.CronjobSpecification
	for i := 0; i+1 < len(jobs); i += 2 {
		specs = append(specs, snapperm.CronjobSpecification{
			Expression: jobs[i],
			Request:    snapperm.CronjobRequest{Method: jobs[i+1]},
		})
	}
	value, err := json.Marshal(snapperm.CronjobCaveat{Jobs: specs})
	if err != nil {
		t.Fatal(err)
	}
	requested, err := snapperm.ProcessSnapPermissions(f.perms.Registry(), map[string]json.RawMessage{
		string(snapperm.Cronjob): value,
	})
	if err != nil {
		t.Fatalf("ProcessSnapPermissions: %v", err)
	}
	if _, err := f.perms.GrantPermissions(snapID, requested); err != nil {
		t.Fatalf("GrantPermissions: %v", err)
	}
	f.snaps.mu.Lock()
	if !slices.Contains(f.snaps.runnable, snapID) {
		f.snaps.runnable = append(f.snaps.runnable, snapID)
	}
	f.snaps.mu.Unlock()
}

func methodOf(t *testing.T, req snap.Request) string {
	t.Helper()
	var msg struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
	}
	if err := json.Unmarshal(req.Request, &msg); err != nil {
		t.Fatalf("request is not JSON-RPC: %s", req.Request)
	}
	if msg.JSONRPC != "2.0" {
		t.Errorf("jsonrpc = %q", msg.JSONRPC)
	}
	return msg.Method
}

var start = time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)

func TestSchedule_FiresAndReschedules(t *testing.T) {
	t.Parallel()

	f := newFixture(t, start)
	f.grant(t, "npm:a", "* * * * *", "tick")
	f.ctrl.HandleSnapEvent(snap.Event{Type: snap.EventInstalled, SnapID: "npm:a"})

	if !f.ctrl.Scheduled("npm:a-0") {
		t.Fatal("job not scheduled")
	}
	if ms, ok, _ := f.store.LastRun(context.Background(), "npm:a-0"); !ok || ms != 0 {
		t.Errorf("last run = %d, %v; want 0 recorded", ms, ok)
	}

	f.clock.Advance(30 * time.Second)

	calls := f.snaps.calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Handler != snapperm.OnCronjob || calls[0].Origin != "" || calls[0].SnapID != "npm:a" {
		t.Errorf("request = %+v", calls[0])
	}
	if m := methodOf(t, calls[0]); m != "tick" {
		t.Errorf("method = %q, want tick", m)
	}
	ms, _, _ := f.store.LastRun(context.Background(), "npm:a-0")
	if want := start.Add(30 * time.Second).UnixMilli(); ms != want {
		t.Errorf("last run = %d, want %d", ms, want)
	}
	if !f.ctrl.Scheduled("npm:a-0") {
		t.Error("job not rescheduled after firing")
	}

	f.clock.Advance(time.Minute)
	if n := len(f.snaps.calls()); n != 2 {
		t.Errorf("calls after second minute = %d, want 2", n)
	}
}

func TestSchedule_ErrorsKeepTheChain(t *testing.T) {
	t.Parallel()

	f := newFixture(t, start)
	f.snaps.err = errors.New("snap exploded")
	f.grant(t, "npm:a", "* * * * *", "tick")
	if err := f.ctrl.Register("npm:a"); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(30 * time.Second)
	f.clock.Advance(time.Minute)

	if n := len(f.snaps.calls()); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
	if !f.ctrl.Scheduled("npm:a-0") {
		t.Error("failing job dropped from the schedule")
	}
}

func TestSchedule_ChainSpansOneLongAdvance(t *testing.T) {
	t.Parallel()

	f := newFixture(t, start)
	f.grant(t, "npm:a", "* * * * *", "tick")
	if err := f.ctrl.Register("npm:a"); err != nil {
		t.Fatal(err)
	}

	f.clock.Advance(3 * time.Minute)

	if n := len(f.snaps.calls()); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
	ms, _, _ := f.store.LastRun(context.Background(), "npm:a-0")
	if want := time.Date(2026, 1, 1, 0, 3, 0, 0, time.UTC).UnixMilli(); ms != want {
		t.Errorf("last run = %d, want %d", ms, want)
	}
}

func TestSchedule_DefersBeyondHorizon(t *testing.T) {
	t.Parallel()

	f := newFixture(t, start)
	f.grant(t, "npm:a", "0 0 1 * *", "monthly", "*/5 * * * *", "often")
	if err := f.ctrl.Register("npm:a"); err != nil {
		t.Fatal(err)
	}

	if f.ctrl.Scheduled("npm:a-0") {
		t.Error("monthly job scheduled a month ahead")
	}
	if !f.ctrl.Scheduled("npm:a-1") {
		t.Error("five-minute job not scheduled")
	}
	if _, ok, _ := f.store.LastRun(context.Background(), "npm:a-0"); ok {
		t.Error("deferred job got a last run")
	}
}

func TestSchedule_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, start)
	job := cronjob.Job{ID: "npm:a-0", SnapID: "npm:a", Expression: "* * * * *", Request: snapperm.CronjobRequest{Method: "x"}}
	f.grant(t, "npm:a", "* * * * *", "x")
	if err := f.ctrl.Register("npm:a"); err != nil {
		t.Fatal(err)
	}
	for range 3 {
		if err := f.ctrl.Schedule(job); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	if n := f.clock.Pending(); n != 1 {
		t.Errorf("pending timers = %d, want 1", n)
	}
}

func TestSchedule_RejectsBadExpression(t *testing.T) {
	t.Parallel()

	f := newFixture(t, start)
	err := f.ctrl.Schedule(cronjob.Job{ID: "npm:a-0", SnapID: "npm:a", Expression: "every tuesday"})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestDailyCheckIn_CatchesUpExactlyOnce(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.grant(t, "npm:a", "0 9 * * *", "daily")
	lastRun := time.Date(2025, 12, 31, 9, 0, 0, 0, time.UTC)
	if err := f.store.SetLastRun(context.Background(), "npm:a-0", lastRun.UnixMilli()); err != nil {
		t.Fatal(err)
	}

	f.ctrl.Start()

	if n := len(f.snaps.calls()); n != 1 {
		t.Fatalf("calls after check-in = %d, want 1", n)
	}
	if !f.ctrl.Scheduled("npm:a-0") {
		t.Error("job not scheduled after catch-up")
	}

	f.ctrl.DailyCheckIn(context.Background())
	if n := len(f.snaps.calls()); n != 1 {
		t.Errorf("calls after second check-in = %d, want 1", n)
	}
}

func TestDailyCheckIn_NewJobIsNotCaughtUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	f.grant(t, "npm:a", "0 9 * * *", "daily")

	f.ctrl.Start()

	if n := len(f.snaps.calls()); n != 0 {
		t.Errorf("calls = %d, want 0", n)
	}
	if ms, ok, _ := f.store.LastRun(context.Background(), "npm:a-0"); !ok || ms != 0 {
		t.Errorf("last run = %d, %v; want 0 recorded", ms, ok)
	}
}

func TestDailyCheckIn_CatchesUpJobThatNeverFired(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Date(2026, 1, 1, 10, 30, 0, 0, time.UTC))
	f.grant(t, "npm:a", "0 * * * *", "hourly")
	f.ctrl.Start()
	if ms, ok, _ := f.store.LastRun(context.Background(), "npm:a-0"); !ok || ms != 0 {
		t.Fatalf("last run = %d, %v; want 0 recorded", ms, ok)
	}

	// The host goes down before 11:00 and comes back at 13:30.
	f.ctrl.Stop()
	f.clock.Advance(3 * time.Hour)
	restarted := cronjob.NewController(f.snaps, f.perms,
		cronjob.WithClock(f.clock),
		cronjob.WithStore(f.store),
	)
	t.Cleanup(restarted.Stop)
	restarted.Start()

	calls := f.snaps.calls()
	if len(calls) != 1 {
		t.Fatalf("calls after restart = %d, want 1", len(calls))
	}
	if m := methodOf(t, calls[0]); m != "hourly" {
		t.Errorf("method = %q, want hourly", m)
	}
	ms, _, _ := f.store.LastRun(context.Background(), "npm:a-0")
	if want := f.clock.Now().UnixMilli(); ms != want {
		t.Errorf("last run = %d, want %d", ms, want)
	}
	if !restarted.Scheduled("npm:a-0") {
		t.Error("job not scheduled after catch-up")
	}
}

func TestDailyCheckIn_ArmsDeferredJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Date(2026, 1, 30, 12, 0, 0, 0, time.UTC))
	f.grant(t, "npm:a", "0 0 1 * *", "monthly")
	f.ctrl.Start()

	if f.ctrl.Scheduled("npm:a-0") {
		t.Fatal("job 36h ahead scheduled")
	}

	f.clock.Advance(24 * time.Hour)
	if !f.ctrl.Scheduled("npm:a-0") {
		t.Fatal("daily check-in did not schedule the job")
	}

	f.clock.Advance(12 * time.Hour)
	calls := f.snaps.calls()
	if len(calls) != 1 || methodOf(t, calls[0]) != "monthly" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()

	f := newFixture(t, start)
	f.grant(t, "npm:a", "* * * * *", "tick")

	f.ctrl.HandleSnapEvent(snap.Event{Type: snap.EventInstalled, SnapID: "npm:a"})
	if !f.ctrl.Scheduled("npm:a-0") {
		t.Fatal("installed snap not scheduled")
	}

	f.ctrl.HandleSnapEvent(snap.Event{Type: snap.EventDisabled, SnapID: "npm:a"})
	if f.ctrl.Scheduled("npm:a-0") {
		t.Error("disabled snap still scheduled")
	}
	f.clock.Advance(time.Minute)
	if n := len(f.snaps.calls()); n != 0 {
		t.Errorf("disabled snap ran %d times", n)
	}

	f.ctrl.HandleSnapEvent(snap.Event{Type: snap.EventEnabled, SnapID: "npm:a"})
	if !f.ctrl.Scheduled("npm:a-0") {
		t.Error("enabled snap not scheduled")
	}

	f.grant(t, "npm:a", "* * * * *", "tick", "*/2 * * * *", "tock")
	f.ctrl.HandleSnapEvent(snap.Event{Type: snap.EventUpdated, SnapID: "npm:a"})
	if !f.ctrl.Scheduled("npm:a-1") {
		t.Error("job added by update not scheduled")
	}

	f.ctrl.HandleSnapEvent(snap.Event{Type: snap.EventRemoved, SnapID: "npm:a"})
	if f.ctrl.Scheduled("npm:a-0") || f.ctrl.Scheduled("npm:a-1") {
		t.Error("removed snap still scheduled")
	}
	if runs := f.store.Snapshot(); len(runs) != 0 {
		t.Errorf("last runs kept after removal: %v", runs)
	}
	if jobs, _ := f.ctrl.GetAllJobs(context.Background()); len(jobs) != 0 {
		t.Errorf("jobs after removal = %v", jobs)
	}
}

func TestRegister_WithoutPermission(t *testing.T) {
	t.Parallel()

	f := newFixture(t, start)
	if err := f.ctrl.Register("npm:none"); err != nil {
		t.Errorf("Register = %v", err)
	}
	if n := f.clock.Pending(); n != 0 {
		t.Errorf("pending timers = %d", n)
	}
}

func TestGetAllJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, start)
	f.grant(t, "npm:b", "* * * * *", "b")
	f.grant(t, "npm:a", "0 0 1 * *", "a")
	for _, id := range []string{"npm:a", "npm:b"} {
		if err := f.ctrl.Register(id); err != nil {
			t.Fatal(err)
		}
	}
	f.clock.Advance(30 * time.Second)

	jobs, err := f.ctrl.GetAllJobs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != "npm:a-0" || jobs[1].ID != "npm:b-0" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if !jobs[0].LastRun.IsZero() {
		t.Errorf("npm:a-0 last run = %v, want never", jobs[0].LastRun)
	}
	if !jobs[1].LastRun.Equal(start.Add(30 * time.Second)) {
		t.Errorf("npm:b-0 last run = %v", jobs[1].LastRun)
	}
}

func TestStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, start)
	f.grant(t, "npm:a", "* * * * *", "tick")
	f.ctrl.Start()
	if f.clock.Pending() == 0 {
		t.Fatal("nothing scheduled")
	}

	f.ctrl.Stop()
	if n := f.clock.Pending(); n != 0 {
		t.Errorf("pending timers after Stop = %d", n)
	}
	err := f.ctrl.Schedule(cronjob.Job{ID: "npm:a-0", SnapID: "npm:a", Expression: "* * * * *"})
	if !errors.Is(err, cronjob.ErrStopped) {
		t.Errorf("Schedule after Stop = %v", err)
	}
	f.clock.Advance(time.Hour)
	if n := len(f.snaps.calls()); n != 0 {
		t.Errorf("calls after Stop = %d", n)
	}
}

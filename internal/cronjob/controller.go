package cronjob

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flemzord/snaphost/internal/clock"
	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/rpc"
	"github.com/flemzord/snaphost/internal/security"
	"github.com/flemzord/snaphost/internal/snap"
	"github.com/flemzord/snaphost/internal/snapperm"
	"github.com/flemzord/snaphost/internal/timer"
)

// ErrStopped is returned by Schedule after Stop.
var ErrStopped = errors.New("cronjob: scheduler stopped")

// Run triggers, as reported in metrics and the audit log.
const (
	triggerSchedule = "schedule"
	triggerCatchUp  = "catch-up"
)

// Snaps is the part of the snap controller the scheduler drives.
type Snaps interface {
	RunnableSnaps() []string
	HandleRequest(ctx context.Context, req snap.Request) (json.RawMessage, error)
	Subscribe(fn func(snap.Event)) (unsubscribe func())
}

// Permissions looks up a snap's cronjob permission.
type Permissions interface {
	GetPermission(subject string, target permission.TargetName) (permission.Permission, bool)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock sets the clock timers run on. Defaults to clock.Real().
func WithClock(cl clock.Clock) Option {
	return func(c *Controller) {
		if cl != nil {
			c.clock = cl
		}
	}
}

// WithStore sets where last runs are kept. Defaults to a MemoryStore.
func WithStore(s Store) Option {
	return func(c *Controller) {
		if s != nil {
			c.store = s
		}
	}
}

// WithAuditLogger records every run in the audit log.
func WithAuditLogger(a *security.AuditLogger) Option {
	return func(c *Controller) { c.audit = a }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller schedules the cronjobs of every runnable snap.
type Controller struct {
	snaps   Snaps
	perms   Permissions
	store   Store
	clock   clock.Clock
	logger  *slog.Logger
	audit   *security.AuditLogger
	metrics *Metrics

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu      sync.Mutex
	jobs    map[string]Job
	timers  map[string]*timer.Timer
	daily   *timer.Timer
	stopped bool
}

// NewController returns a scheduler for snaps and registers it for their
// lifecycle events. Call Start to run the first check-in and Stop to
// cancel every timer.
func NewController(snaps Snaps, perms Permissions, opts ...Option) *Controller {
	c := &Controller{
		snaps:  snaps,
		perms:  perms,
		store:  NewMemoryStore(),
		clock:  clock.Real(),
		logger: slog.Default(),
		jobs:   make(map[string]Job),
		timers: make(map[string]*timer.Timer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.unsubscribe = snaps.Subscribe(c.HandleSnapEvent)
	return c
}

// Start runs the first daily check-in, which catches up on runs missed
// while the host was down and arms the daily timer.
func (c *Controller) Start() {
	c.DailyCheckIn(c.ctx)
}

// Stop cancels every timer, including the daily one. Runs already in
// flight see their context cancelled.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	timers := make([]*timer.Timer, 0, len(c.timers)+1)
	for id, t := range c.timers {
		timers = append(timers, t)
		delete(c.timers, id)
	}
	if c.daily != nil {
		timers = append(timers, c.daily)
		c.daily = nil
	}
	c.mu.Unlock()

	for _, t := range timers {
		_ = t.Cancel()
	}
	c.metrics.setScheduled(0)
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.cancel()
}

// Schedule arms a timer for the next occurrence of job. It is a no-op
// when the job already has a timer or when the next occurrence lies
// beyond Horizon; the daily check-in picks those up later.
func (c *Controller) Schedule(job Job) error {
	sched, err := snapperm.ParseCronExpression(job.Expression)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if _, ok := c.timers[job.ID]; ok {
		c.mu.Unlock()
		return nil
	}
	now := c.clock.Now()
	next := sched.Next(now)
	if next.IsZero() || next.Sub(now) > Horizon {
		c.mu.Unlock()
		c.logger.Debug("cronjob: next run beyond horizon, deferring", "job_id", job.ID, "next", next)
		return nil
	}
	t, err := timer.New(next.Sub(now), timer.WithClock(c.clock))
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.timers[job.ID] = t
	scheduled := len(c.timers)
	c.mu.Unlock()

	c.metrics.setScheduled(scheduled)
	c.initLastRun(job.ID)
	c.logger.Debug("cronjob: scheduled", "job_id", job.ID, "snap_id", job.SnapID, "next", next)

	// Started outside the lock: the clock may run the callback inline.
	return t.Start(func() { c.fire(job.ID, t) })
}

// Register schedules every cronjob declared by snapID's cronjob
// permission. A snap without the permission has no jobs.
func (c *Controller) Register(snapID string) error {
	jobs, err := c.load(snapID)
	if err != nil {
		return err
	}
	var errs []error
	for _, j := range jobs {
		if err := c.Schedule(j); err != nil {
			errs = append(errs, fmt.Errorf("cronjob: %s: %w", j.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Unregister cancels every cronjob of snapID. Last runs are kept so a
// re-enabled snap does not replay old occurrences.
func (c *Controller) Unregister(snapID string) {
	c.unregister(snapID)
}

func (c *Controller) unregister(snapID string) []string {
	var (
		ids    []string
		timers []*timer.Timer
	)
	c.mu.Lock()
	for id, j := range c.jobs {
		if j.SnapID != snapID {
			continue
		}
		ids = append(ids, id)
		delete(c.jobs, id)
		if t, ok := c.timers[id]; ok {
			timers = append(timers, t)
			delete(c.timers, id)
		}
	}
	scheduled := len(c.timers)
	c.mu.Unlock()

	for _, t := range timers {
		_ = t.Cancel()
	}
	c.metrics.setScheduled(scheduled)
	if len(ids) > 0 {
		c.logger.Debug("cronjob: unregistered", "snap_id", snapID, "jobs", len(ids))
	}
	return ids
}

// HandleSnapEvent keeps the schedule in step with the snap lifecycle.
func (c *Controller) HandleSnapEvent(e snap.Event) {
	var err error
	switch e.Type {
	case snap.EventInstalled, snap.EventEnabled:
		err = c.Register(e.SnapID)
	case snap.EventUpdated:
		c.Unregister(e.SnapID)
		err = c.Register(e.SnapID)
	case snap.EventDisabled:
		c.Unregister(e.SnapID)
	case snap.EventRemoved:
		for _, id := range c.unregister(e.SnapID) {
			if derr := c.store.DeleteLastRun(c.ctx, id); derr != nil {
				c.logger.Warn("cronjob: forgetting last run failed", "job_id", id, "error", derr)
			}
		}
	}
	if err != nil {
		c.logger.Error("cronjob: registering snap failed", "snap_id", e.SnapID, "event", e.Type, "error", err)
	}
}

// DailyCheckIn runs, once, every job of a runnable snap whose previous
// occurrence is later than its recorded last run, then schedules the jobs
// now within the horizon and re-arms itself for the next day. A job with
// no recorded last run is new and is not caught up. A recorded 0 means it
// was scheduled but never fired, so any past occurrence counts as missed.
func (c *Controller) DailyCheckIn(ctx context.Context) {
	now := c.clock.Now()
	for _, snapID := range c.snaps.RunnableSnaps() {
		jobs, err := c.load(snapID)
		if err != nil {
			c.logger.Error("cronjob: loading jobs failed", "snap_id", snapID, "error", err)
			continue
		}
		for _, j := range jobs {
			c.catchUp(ctx, j, now)
			if err := c.Schedule(j); err != nil && !errors.Is(err, ErrStopped) {
				c.logger.Error("cronjob: scheduling failed", "job_id", j.ID, "error", err)
			}
		}
	}
	c.armDaily()
}

// GetAllJobs lists registered jobs with their last run, sorted by ID.
func (c *Controller) GetAllJobs(ctx context.Context) ([]JobInfo, error) {
	c.mu.Lock()
	jobs := make([]Job, 0, len(c.jobs))
	for _, j := range c.jobs {
		jobs = append(jobs, j)
	}
	c.mu.Unlock()
	slices.SortFunc(jobs, func(a, b Job) int { return cmp.Compare(a.ID, b.ID) })

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		info := JobInfo{Job: j}
		ms, ok, err := c.store.LastRun(ctx, j.ID)
		if err != nil {
			return nil, fmt.Errorf("cronjob: reading last run of %s: %w", j.ID, err)
		}
		if ok && ms > 0 {
			info.LastRun = time.UnixMilli(ms)
		}
		out = append(out, info)
	}
	return out, nil
}

// Scheduled reports whether jobID holds a live timer.
func (c *Controller) Scheduled(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.timers[jobID]
	return ok
}

// fire runs on the timer's callback. The reschedule happens only after
// the run returns, so one job never overlaps itself.
func (c *Controller) fire(jobID string, t *timer.Timer) {
	c.mu.Lock()
	job, registered := c.jobs[jobID]
	current := c.timers[jobID] == t
	c.mu.Unlock()
	if !current || !registered {
		return
	}

	_ = c.run(c.ctx, job, triggerSchedule)

	c.mu.Lock()
	if c.timers[jobID] == t {
		delete(c.timers, jobID)
	}
	job, registered = c.jobs[jobID]
	stopped := c.stopped
	c.mu.Unlock()

	if !registered || stopped {
		return
	}
	if err := c.Schedule(job); err != nil && !errors.Is(err, ErrStopped) {
		c.logger.Error("cronjob: rescheduling failed", "job_id", jobID, "error", err)
	}
}

func (c *Controller) catchUp(ctx context.Context, j Job, now time.Time) {
	ms, ok, err := c.store.LastRun(ctx, j.ID)
	if err != nil {
		c.logger.Warn("cronjob: reading last run failed", "job_id", j.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	sched, err := snapperm.ParseCronExpression(j.Expression)
	if err != nil {
		return
	}
	if missed(sched, time.UnixMilli(ms), now) {
		c.logger.Info("cronjob: running missed job", "job_id", j.ID, "last_run", time.UnixMilli(ms))
		_ = c.run(ctx, j, triggerCatchUp)
	}
}

// run records the run and invokes the snap's onCronjob handler. Errors
// are logged and returned for metrics only; they never stop the chain.
func (c *Controller) run(ctx context.Context, j Job, trigger string) error {
	if err := c.store.SetLastRun(ctx, j.ID, c.clock.Now().UnixMilli()); err != nil {
		c.logger.Warn("cronjob: recording last run failed", "job_id", j.ID, "error", err)
	}

	err := c.invoke(ctx, j)
	c.metrics.run(trigger, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.logger.Error("cronjob: run failed", "job_id", j.ID, "snap_id", j.SnapID, "trigger", trigger, "error", err)
	} else {
		c.logger.Debug("cronjob: run completed", "job_id", j.ID, "snap_id", j.SnapID, "trigger", trigger)
	}
	c.audit.Log(security.AuditEvent{
		Type:     security.EventCronRun,
		SnapID:   j.SnapID,
		Target:   j.ID,
		Detail:   j.Request.Method,
		Metadata: map[string]string{"trigger": trigger, "outcome": outcome},
	})
	return err
}

func (c *Controller) invoke(ctx context.Context, j Job) error {
	var params any
	if len(j.Request.Params) > 0 {
		params = j.Request.Params
	}
	msg, err := rpc.NewRequest(j.Request.Method, params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = c.snaps.HandleRequest(ctx, snap.Request{
		SnapID:  j.SnapID,
		Handler: snapperm.OnCronjob,
		Request: data,
	})
	return err
}

// load derives snapID's jobs from its permission and records them as
// registered, replacing what was registered before.
func (c *Controller) load(snapID string) ([]Job, error) {
	perm, ok := c.perms.GetPermission(snapID, snapperm.Cronjob)
	if !ok {
		return nil, nil
	}
	specs, err := snapperm.CronjobsOf(perm)
	if err != nil {
		return nil, fmt.Errorf("cronjob: %s: %w", snapID, err)
	}
	jobs := jobsOf(snapID, specs)

	c.mu.Lock()
	for _, j := range jobs {
		c.jobs[j.ID] = j
	}
	c.mu.Unlock()
	return jobs, nil
}

func (c *Controller) initLastRun(jobID string) {
	_, ok, err := c.store.LastRun(c.ctx, jobID)
	if err == nil && !ok {
		err = c.store.SetLastRun(c.ctx, jobID, 0)
	}
	if err != nil {
		c.logger.Warn("cronjob: initializing last run failed", "job_id", jobID, "error", err)
	}
}

func (c *Controller) armDaily() {
	t, err := timer.New(Horizon, timer.WithClock(c.clock))
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	previous := c.daily
	c.daily = t
	c.mu.Unlock()

	if previous != nil {
		_ = previous.Cancel()
	}
	_ = t.Start(func() {
		c.mu.Lock()
		current := c.daily == t
		c.mu.Unlock()
		if current {
			c.DailyCheckIn(c.ctx)
		}
	})
}

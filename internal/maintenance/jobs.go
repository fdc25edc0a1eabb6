package maintenance

import (
	"context"
	"log/slog"
	"time"
)

// IdleStopper is the part of the snap controller IdleSnapJob needs.
type IdleStopper interface {
	StopIdle(ctx context.Context, maxIdle time.Duration) []string
}

// IdleSnapJob stops snaps that have not served a request for MaxIdle.
// Snaps holding endowment:long-running are left alone.
type IdleSnapJob struct {
	Snaps        IdleStopper
	MaxIdle      time.Duration
	Logger       *slog.Logger
	ScheduleExpr string // empty = "* * * * *"
}

var _ Job = (*IdleSnapJob)(nil)

// Name implements Job.
func (j *IdleSnapJob) Name() string { return "idle_snaps" }

// Schedule implements Job.
func (j *IdleSnapJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "* * * * *"
}

// Run implements Job.
func (j *IdleSnapJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stopped := j.Snaps.StopIdle(ctx, j.MaxIdle); len(stopped) > 0 {
		j.Logger.Info("maintenance: stopped idle snaps", "count", len(stopped), "snaps", stopped)
	}
	return nil
}

// Pruner deletes persisted data of snaps that are no longer installed.
type Pruner interface {
	Prune(ctx context.Context, installed []string) (int64, error)
}

// InstalledLister lists installed snap IDs.
type InstalledLister interface {
	InstalledSnaps() []string
}

// StatePruneJob removes state and cronjob runs left behind by snaps that
// were removed while the host was going down.
type StatePruneJob struct {
	Store        Pruner
	Snaps        InstalledLister
	Logger       *slog.Logger
	ScheduleExpr string // empty = "@hourly"
}

var _ Job = (*StatePruneJob)(nil)

// Name implements Job.
func (j *StatePruneJob) Name() string { return "state_prune" }

// Schedule implements Job.
func (j *StatePruneJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "@hourly"
}

// Run implements Job.
func (j *StatePruneJob) Run(ctx context.Context) error {
	n, err := j.Store.Prune(ctx, j.Snaps.InstalledSnaps())
	if err != nil {
		return err
	}
	if n > 0 {
		j.Logger.Info("maintenance: pruned orphaned state", "rows", n)
	}
	return nil
}

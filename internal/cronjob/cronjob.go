// Package cronjob re-invokes snaps on the schedules declared in their
// endowment:cronjob permission.
//
// Only jobs due within the next 24 hours hold a live timer. A daily
// check-in arms the rest as they come into range and runs, once, every
// job whose last occurrence was missed while the host was down.
package cronjob

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flemzord/snaphost/internal/snapperm"
)

// Horizon is how far ahead a job may be due and still get a timer. It is
// also the interval of the daily check-in.
const Horizon = 24 * time.Hour

// Job is one cronjob of a snap. ID is "<snapID>-<index>", the index being
// the job's position in the snapCronjob caveat.
type Job struct {
	ID         string                  `json:"id"`
	SnapID     string                  `json:"snap_id"`
	Expression string                  `json:"expression"`
	Request    snapperm.CronjobRequest `json:"request"`
}

// JobInfo is a job and its last run. A zero LastRun means the job never
// ran.
type JobInfo struct {
	Job
	LastRun time.Time `json:"last_run,omitzero"`
}

// Store persists the last run of each job as Unix milliseconds. Zero is
// recorded for a job that never ran.
type Store interface {
	// LastRun reports the recorded last run of jobID. ok is false when
	// nothing was ever recorded.
	LastRun(ctx context.Context, jobID string) (ms int64, ok bool, err error)
	SetLastRun(ctx context.Context, jobID string, ms int64) error
	DeleteLastRun(ctx context.Context, jobID string) error
}

// jobsOf derives the jobs of snapID from its cronjob specifications.
func jobsOf(snapID string, specs []snapperm.CronjobSpecification) []Job {
	jobs := make([]Job, len(specs))
	for i, s := range specs {
		jobs[i] = Job{
			ID:         fmt.Sprintf("%s-%d", snapID, i),
			SnapID:     snapID,
			Expression: s.Expression,
			Request:    s.Request,
		}
	}
	return jobs
}

// searchWindows bound the backwards search for a schedule's previous
// occurrence, smallest first so dense schedules stay cheap.
var searchWindows = []time.Duration{
	time.Minute,
	time.Hour,
	24 * time.Hour,
	32 * 24 * time.Hour,
	366 * 24 * time.Hour,
	5 * 366 * 24 * time.Hour,
}

// missed reports whether s had an occurrence after lastRun and at or
// before now.
func missed(s cron.Schedule, lastRun, now time.Time) bool {
	if d, ok := s.(cron.ConstantDelaySchedule); ok {
		return !lastRun.Add(d.Delay).After(now)
	}
	prev, ok := previous(s, now)
	return ok && prev.After(lastRun)
}

// previous returns the latest occurrence of s at or before now.
func previous(s cron.Schedule, now time.Time) (time.Time, bool) {
	for _, w := range searchWindows {
		t := s.Next(now.Add(-w))
		if t.IsZero() || t.After(now) {
			continue
		}
		for {
			n := s.Next(t)
			if n.IsZero() || n.After(now) {
				return t, true
			}
			t = n
		}
	}
	return time.Time{}, false
}

// MemoryStore is a Store that forgets everything on restart. It backs the
// scheduler when no state module is loaded.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]int64)}
}

// LastRun implements Store.
func (m *MemoryStore) LastRun(_ context.Context, jobID string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.runs[jobID]
	return ms, ok, nil
}

// SetLastRun implements Store.
func (m *MemoryStore) SetLastRun(_ context.Context, jobID string, ms int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[jobID] = ms
	return nil
}

// DeleteLastRun implements Store.
func (m *MemoryStore) DeleteLastRun(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, jobID)
	return nil
}

// Snapshot returns a copy of the recorded runs.
func (m *MemoryStore) Snapshot() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.runs)
}

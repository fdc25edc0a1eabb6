// Package maintenance runs the host's own housekeeping on fixed
// schedules: stopping idle snaps and pruning state left by removed ones.
// Snap cronjobs are not run here; see package cronjob.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a periodic housekeeping task.
type Job interface {
	// Name identifies the job in logs and must be unique per scheduler.
	Name() string

	// Schedule returns a cron expression: five fields or a descriptor
	// such as @hourly or @every 30s.
	Schedule() string

	// Run executes the job. ctx is cancelled when the scheduler stops.
	Run(ctx context.Context) error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Entry describes a registered job for status output.
type Entry struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next,omitzero"`
}

// Scheduler runs registered jobs. A tick that finds the previous run of
// the same job still going is skipped.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    []Job
	locks   map[string]*sync.Mutex
	entries map[string]cron.EntryID
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. Jobs must be registered before Start.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		locks:   make(map[string]*sync.Mutex),
		entries: make(map[string]cron.EntryID),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// RegisterJob adds j. Names must be unique and schedules valid.
func (s *Scheduler) RegisterJob(j Job) error {
	if _, err := parser.Parse(j.Schedule()); err != nil {
		return fmt.Errorf("maintenance: invalid schedule for job %q: %w", j.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("maintenance: job %q registered after start", j.Name())
	}
	name := j.Name()
	if _, exists := s.locks[name]; exists {
		return fmt.Errorf("maintenance: duplicate job name %q", name)
	}
	s.locks[name] = &sync.Mutex{}
	s.jobs = append(s.jobs, j)
	return nil
}

// Start begins running the registered jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cron = cron.New(cron.WithParser(parser))
	for _, j := range s.jobs {
		id, err := s.cron.AddFunc(j.Schedule(), func() { s.run(j) })
		if err != nil {
			return fmt.Errorf("maintenance: invalid schedule for job %q: %w", j.Name(), err)
		}
		s.entries[j.Name()] = id
	}
	s.cron.Start()
	s.logger.Info("maintenance: scheduler started", "jobs", len(s.jobs))
	return nil
}

// RunNow runs the named job immediately, unless it is already running.
// It reports whether the job ran.
func (s *Scheduler) RunNow(name string) (bool, error) {
	s.mu.Lock()
	idx := slices.IndexFunc(s.jobs, func(j Job) bool { return j.Name() == name })
	s.mu.Unlock()
	if idx < 0 {
		return false, fmt.Errorf("maintenance: unknown job %q", name)
	}
	return s.run(s.jobs[idx]), nil
}

func (s *Scheduler) run(j Job) bool {
	lock := s.locks[j.Name()]
	if !lock.TryLock() {
		s.logger.Warn("maintenance: job still running, skipping tick", "job", j.Name())
		return false
	}
	defer lock.Unlock()

	start := time.Now()
	if err := j.Run(s.ctx); err != nil {
		s.logger.Error("maintenance: job failed", "job", j.Name(), "error", err)
	} else {
		s.logger.Debug("maintenance: job completed", "job", j.Name(), "duration", time.Since(start))
	}
	return true
}

// Entries lists registered jobs with their next run once started.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for _, j := range s.jobs {
		e := Entry{Name: j.Name(), Schedule: j.Schedule()}
		if s.cron != nil {
			e.Next = s.cron.Entry(s.entries[j.Name()]).Next
		}
		out = append(out, e)
	}
	return out
}

// Stop cancels running jobs' context and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()

	s.cancel()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.logger.Info("maintenance: scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("maintenance: waiting for jobs: %w", ctx.Err())
	}
}

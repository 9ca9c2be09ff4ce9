// Package scheduler runs periodic maintenance: unmounting render sessions
// nobody has touched in a while and pruning the render cache.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTick is how often the loop checks for due jobs.
const DefaultTick = 60 * time.Second

// JobFunc is the body of a maintenance job.
type JobFunc func(ctx context.Context) error

// Job is a registered maintenance job.
type Job struct {
	Name          string     `json:"name"`
	Spec          string     `json:"spec"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	Runs          int        `json:"runs"`

	schedule cron.Schedule
	run      JobFunc
}

// Scheduler checks its jobs on a ticker and runs those that are due.
type Scheduler struct {
	parser cron.Parser
	tick   time.Duration
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*Job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing (dedup)
}

// NewScheduler creates a Scheduler. A non-positive tick uses DefaultTick.
func NewScheduler(tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		tick:     tick,
		logger:   logger,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// Add registers a job under a cron expression ("*/5 * * * *" or
// descriptors such as "@every 10m").
func (s *Scheduler) Add(name, spec string, run JobFunc) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", spec, err)
	}

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = &Job{
		Name:      name,
		Spec:      spec,
		NextRunAt: schedule.Next(time.Now().UTC()),
		schedule:  schedule,
		run:       run,
	}
	return nil
}

// Jobs returns a copy of every registered job, ordered by name.
func (s *Scheduler) Jobs() []Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("tick", s.tick))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx, time.Now().UTC())
		}
	}
}

// runDue runs every job whose next run is not after now.
func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.jobsMu.Lock()
	var due []string
	for name, j := range s.jobs {
		if !j.NextRunAt.After(now) {
			due = append(due, name)
		}
	}
	s.jobsMu.Unlock()
	sort.Strings(due)

	for _, name := range due {
		if err := s.RunNow(ctx, name); err != nil {
			s.logger.Error("scheduled job failed",
				slog.String("job", name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RunNow runs a job immediately and reschedules it. A job that is already
// running is skipped.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.jobsMu.Lock()
	j, ok := s.jobs[name]
	s.jobsMu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	if !s.tryAcquire(name) {
		return nil
	}
	defer s.releaseJob(name)

	err := j.run(ctx)
	status := "success"
	if err != nil {
		status = "error"
	}

	now := time.Now().UTC()
	s.jobsMu.Lock()
	j.LastRunAt = &now
	j.NextRunAt = j.schedule.Next(now)
	j.LastRunStatus = status
	j.Runs++
	s.jobsMu.Unlock()
	return err
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

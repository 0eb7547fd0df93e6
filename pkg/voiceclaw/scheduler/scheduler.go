// Package scheduler runs the periodic maintenance jobs of the assistant
// (approval expiry sweeps, profile refreshes) on robfig/cron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = time.Minute

// JobFunc is the body of a periodic job.
type JobFunc func(ctx context.Context) error

// Job is a named periodic task.
type Job struct {
	// ID is the unique job identifier.
	ID string

	// Schedule is a 5-field cron expression or a descriptor
	// (@every 30s, @hourly, ...).
	Schedule string

	// Timeout overrides DefaultJobTimeout.
	Timeout time.Duration

	Run JobFunc
}

// parser accepts 5-field expressions and descriptors.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule reports whether spec is a schedule Add accepts.
func ParseSchedule(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// Scheduler manages periodic jobs.
type Scheduler struct {
	cron    *cron.Cron
	entries map[string]cron.EntryID
	jobs    map[string]*Job

	// running tracks jobs currently executing so an overlapping fire is
	// skipped instead of stacking.
	running map[string]bool

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a stopped scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]cron.EntryID),
		jobs:    make(map[string]*Job),
		running: make(map[string]bool),
		logger:  logger.With("component", "scheduler"),
	}
}

// Add registers a job. It may be called before or after Start.
func (s *Scheduler) Add(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if job.Schedule == "" {
		return fmt.Errorf("job %q: schedule is required", job.ID)
	}
	if job.Run == nil {
		return fmt.Errorf("job %q: no run function", job.ID)
	}
	if job.Timeout <= 0 {
		job.Timeout = DefaultJobTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}

	j := &job
	entryID, err := s.cron.AddFunc(job.Schedule, func() { s.execute(j) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q for job %q: %w", job.Schedule, job.ID, err)
	}
	s.entries[job.ID] = entryID
	s.jobs[job.ID] = j

	s.logger.Info("job added", "id", job.ID, "schedule", job.Schedule)
	return nil
}

// Start begins firing jobs. Jobs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop stops firing and waits for running jobs, up to 10 seconds.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	select {
	case <-stopped.Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	if cancel != nil {
		cancel()
	}
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", id)
	}
	s.execute(j)
	return nil
}

// execute runs a job with overlap protection, a timeout and panic recovery.
func (s *Scheduler) execute(job *Job) {
	s.mu.Lock()
	if s.running[job.ID] {
		s.mu.Unlock()
		s.logger.Debug("skipping job (already running)", "id", job.ID)
		return
	}
	s.running[job.ID] = true
	parent := s.ctx
	s.mu.Unlock()

	if parent == nil {
		parent = context.Background()
	}

	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()

		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(parent, job.Timeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed", "id", job.ID, "error", err)
		return
	}
	s.logger.Debug("scheduled job finished", "id", job.ID, "duration", time.Since(start))
}

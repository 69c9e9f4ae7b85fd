// Package cron runs periodic background jobs such as the daily fleet
// report and network-usage retention. Jobs never sit on a request path.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler errors
var (
	ErrSchedulerRunning = errors.New("scheduler already running")
	ErrInvalidInterval  = errors.New("job interval must be positive")
)

// Job is one unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

// Name returns the job name.
func (f JobFunc) Name() string { return f.JobName }

// Run calls f.Fn.
func (f JobFunc) Run(ctx context.Context) error { return f.Fn(ctx) }

// Schedule says how often a job runs.
type Schedule struct {
	Interval time.Duration

	// RunAtStart runs the job once as soon as the scheduler starts.
	RunAtStart bool

	// Timeout bounds one run. Zero means the interval.
	Timeout time.Duration
}

type entry struct {
	job      Job
	schedule Schedule
}

// Scheduler runs each job on its own ticker goroutine.
type Scheduler struct {
	mu      sync.Mutex
	entries []entry
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewScheduler creates a stopped Scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{logger: logger.With("component", "cron")}
}

// Add registers job. Jobs added while running start on the next Start.
func (s *Scheduler) Add(job Job, schedule Schedule) error {
	if schedule.Interval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInterval, job.Name())
	}
	if schedule.Timeout <= 0 {
		schedule.Timeout = schedule.Interval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{job: job, schedule: schedule})
	return nil
}

// Start launches every registered job.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSchedulerRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info("scheduler started", "jobs", len(s.entries))
	return nil
}

// Stop cancels running jobs and waits for their loops to exit, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	defer s.wg.Done()

	if e.schedule.RunAtStart {
		s.run(ctx, e)
	}
	ticker := time.NewTicker(e.schedule.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.run(ctx, e)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context, e entry) {
	ctx, cancel := context.WithTimeout(ctx, e.schedule.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", e.job.Name(), "panic", r)
		}
	}()
	if err := e.job.Run(ctx); err != nil {
		s.logger.Warn("job failed", "job", e.job.Name(), "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("job done", "job", e.job.Name(), "duration", time.Since(start))
}

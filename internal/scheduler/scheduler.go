// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultHistorySweep   = "@every 1h"
	DefaultSessionCleanup = "@every 6h"
	DefaultSessionMaxAge  = 30 * 24 * time.Hour

	jobTimeout = 15 * time.Minute
)

// Job is a named maintenance task run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Scheduler runs maintenance jobs and scheduled tasks. A job still running
// when its next tick arrives is skipped for that tick.
type Scheduler struct {
	jobs   []Job
	cron   *cron.Cron
	logger *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule reports whether spec is a schedule the scheduler accepts.
func ValidateSchedule(spec string) error {
	_, err := cronParser.Parse(spec)
	return err
}

// New creates a Scheduler for jobs.
func New(jobs ...Job) *Scheduler {
	logger := slog.Default().With("component", "scheduler")
	return &Scheduler{
		jobs:   jobs,
		logger: logger,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
		),
	}
}

// Start registers every job and starts the cron ticker. Jobs with an
// invalid schedule are logged and skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	registered := 0
	for _, job := range s.jobs {
		job := job
		_, err := s.cron.AddFunc(job.Schedule, func() { s.run(job) })
		if err != nil {
			s.logger.Error("invalid cron schedule", "name", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		registered++
		s.logger.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
	}
	if registered == 0 && len(s.jobs) > 0 {
		return fmt.Errorf("no valid job schedules")
	}

	s.cron.Start()
	return nil
}

// RunNow runs the named job immediately on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, job := range s.jobs {
		if job.Name == name {
			return job.Run(ctx)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) run(job Job) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("job failed", "name", job.Name, "error", err)
		return
	}
	s.logger.Debug("job finished", "name", job.Name, "duration", time.Since(start))
}

// Stop stops the cron ticker, cancels running jobs and waits up to timeout
// for them to return.
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		s.logger.Warn("jobs still running at shutdown")
	}
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}

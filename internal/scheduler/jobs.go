package scheduler

import (
	"context"
	"time"

	"github.com/user/gopherbridge/internal/state"
)

// Sweeper drops expired channel history.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Cleaner deletes sessions idle for longer than maxAge.
type Cleaner interface {
	CleanupInactiveSessions(ctx context.Context, maxAge time.Duration) (int64, error)
}

// MaintenanceOptions sets the schedules for Maintenance. Zero values select
// the defaults.
type MaintenanceOptions struct {
	HistorySweep   string
	SessionCleanup string
	SessionMaxAge  time.Duration
}

// Maintenance returns the history sweep and session cleanup jobs. Either
// collaborator may be nil to omit its job.
func Maintenance(history Sweeper, sessions Cleaner, opts MaintenanceOptions) []Job {
	if opts.HistorySweep == "" {
		opts.HistorySweep = DefaultHistorySweep
	}
	if opts.SessionCleanup == "" {
		opts.SessionCleanup = DefaultSessionCleanup
	}
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = DefaultSessionMaxAge
	}

	var jobs []Job
	if history != nil {
		jobs = append(jobs, Job{
			Name:     "history-sweep",
			Schedule: opts.HistorySweep,
			Run: func(ctx context.Context) error {
				_, err := history.Sweep(ctx)
				return err
			},
		})
	}
	if sessions != nil {
		maxAge := opts.SessionMaxAge
		jobs = append(jobs, Job{
			Name:     "session-cleanup",
			Schedule: opts.SessionCleanup,
			Run: func(ctx context.Context) error {
				_, err := sessions.CleanupInactiveSessions(ctx, maxAge)
				return err
			},
		})
	}
	return jobs
}

// Tasks returns one job per enabled task with a schedule. run is called
// with the task when its schedule fires.
func Tasks(tasks []*state.Task, run func(ctx context.Context, task *state.Task) error) []Job {
	var jobs []Job
	for _, task := range tasks {
		if !task.Enabled || task.Schedule == "" {
			continue
		}
		jobs = append(jobs, Job{
			Name:     "task:" + task.Name,
			Schedule: task.Schedule,
			Run:      func(ctx context.Context) error { return run(ctx, task) },
		})
	}
	return jobs
}

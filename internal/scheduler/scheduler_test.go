// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/gopherbridge/internal/state"
	"github.com/user/gopherbridge/internal/types"
)

func TestSchedulerFiresJob(t *testing.T) {
	var fires atomic.Int32
	sched := New(Job{
		Name:     "every-second",
		Schedule: "* * * * * *",
		Run: func(ctx context.Context) error {
			fires.Add(1)
			return nil
		},
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sched.Stop(time.Second)

	// Wait up to 2.5 seconds for at least one fire
	deadline := time.After(2500 * time.Millisecond)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			t.Fatalf("job did not fire within 2.5s, fires=%d", fires.Load())
		case <-ticker.C:
			if fires.Load() > 0 {
				return
			}
		}
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	sched := New(Job{Name: "bad", Schedule: "not a cron", Run: func(context.Context) error { return nil }})
	if err := sched.Start(context.Background()); err == nil {
		t.Error("expected error when no schedule is valid")
	}
	sched.Stop(time.Second)
}

func TestSchedulerRunNow(t *testing.T) {
	boom := errors.New("boom")
	sched := New(Job{Name: "fail", Schedule: "@every 1h", Run: func(context.Context) error { return boom }})

	if err := sched.RunNow(context.Background(), "fail"); !errors.Is(err, boom) {
		t.Errorf("expected job error, got %v", err)
	}
	if err := sched.RunNow(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestMaintenanceJobs(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	ctx := context.Background()

	history, err := state.NewChannelHistory(ctx, db, state.HistoryOptions{})
	if err != nil {
		t.Fatal(err)
	}
	old := types.ChannelHistoryEntry{MessageID: "old", Sender: "a", Body: "x", Timestamp: time.Now().Add(-48 * time.Hour)}
	fresh := types.ChannelHistoryEntry{MessageID: "new", Sender: "a", Body: "y", Timestamp: time.Now()}
	if err := history.Record(ctx, "c1", old); err != nil {
		t.Fatal(err)
	}
	if err := history.Record(ctx, "c1", fresh); err != nil {
		t.Fatal(err)
	}

	sessions := state.NewSessionStore(db, 0)
	if _, err := sessions.GetOrCreate(ctx, "telegram", "1", "u"); err != nil {
		t.Fatal(err)
	}

	jobs := Maintenance(history, sessions, MaintenanceOptions{SessionMaxAge: time.Hour})
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	sched := New(jobs...)

	if err := sched.RunNow(ctx, "history-sweep"); err != nil {
		t.Fatal(err)
	}
	entries := history.GetHistory("c1")
	if len(entries) != 1 || entries[0].MessageID != "new" {
		t.Errorf("expected only the fresh entry to survive, got %+v", entries)
	}

	if err := sched.RunNow(ctx, "session-cleanup"); err != nil {
		t.Fatal(err)
	}
	list, err := sessions.ListSessions(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("fresh session should survive cleanup, got %d sessions", len(list))
	}
}

func TestMaintenanceDefaults(t *testing.T) {
	jobs := Maintenance(nil, nil, MaintenanceOptions{})
	if len(jobs) != 0 {
		t.Errorf("expected no jobs without collaborators, got %d", len(jobs))
	}
}

func TestTasksJobs(t *testing.T) {
	tasks := []*state.Task{
		{Name: "daily", Prompt: "summarize", Schedule: "0 9 * * *", Source: "telegram", ChannelID: "1", Enabled: true},
		{Name: "paused", Prompt: "x", Schedule: "@every 1h", Source: "telegram", ChannelID: "1"},
		{Name: "manual", Prompt: "y", Source: "matrix", ChannelID: "!r:example.org", Enabled: true},
	}
	var ran []string
	jobs := Tasks(tasks, func(ctx context.Context, task *state.Task) error {
		ran = append(ran, task.Name)
		return nil
	})
	if len(jobs) != 1 {
		t.Fatalf("expected only the enabled scheduled task, got %d jobs", len(jobs))
	}
	if jobs[0].Name != "task:daily" || jobs[0].Schedule != "0 9 * * *" {
		t.Errorf("unexpected job %q %q", jobs[0].Name, jobs[0].Schedule)
	}

	sched := New(jobs...)
	if err := sched.RunNow(context.Background(), "task:daily"); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 1 || ran[0] != "daily" {
		t.Errorf("expected daily to run, got %v", ran)
	}
}

func TestValidateSchedule(t *testing.T) {
	for _, spec := range []string{"@every 1h", "0 9 * * *", "*/30 * * * * *"} {
		if err := ValidateSchedule(spec); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v", spec, err)
		}
	}
	if err := ValidateSchedule("not a schedule"); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

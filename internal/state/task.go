package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/user/gopherbridge/internal/types"
)

// Task is a named prompt injected into a channel's session on a schedule or
// on demand. The reply is delivered to that channel.
type Task struct {
	Name      string `json:"name"`
	Prompt    string `json:"prompt"`
	Schedule  string `json:"schedule,omitempty"`
	Source    string `json:"source"`
	ChannelID string `json:"channel_id"`
	Enabled   bool   `json:"enabled"`
}

// Message builds the inbound message the task injects.
func (t *Task) Message() types.NormalizedMessage {
	return types.NormalizedMessage{
		Source:    t.Source,
		ChannelID: t.ChannelID,
		UserID:    "task:" + t.Name,
		Text:      t.Prompt,
		Metadata:  map[string]string{"task": t.Name},
	}
}

// TaskStore keeps tasks in the tasks table.
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore creates a store over an open database.
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

const taskColumns = `name, prompt, schedule, source, channel_id, enabled`

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	if err := row.Scan(&t.Name, &t.Prompt, &t.Schedule, &t.Source, &t.ChannelID, &t.Enabled); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns every task ordered by name.
func (s *TaskStore) List(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Get finds a task by name.
func (s *TaskStore) Get(ctx context.Context, name string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name = ?`, name)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// Add inserts a task. Names are unique.
func (s *TaskStore) Add(ctx context.Context, t *Task) error {
	if t.Name == "" || t.Prompt == "" || t.Source == "" || t.ChannelID == "" {
		return errors.New("task name, prompt, source and channel are required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		t.Name, t.Prompt, t.Schedule, t.Source, t.ChannelID, t.Enabled,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("task already exists: %s", t.Name)
		}
		return fmt.Errorf("add task: %w", err)
	}
	return nil
}

// Remove deletes a task by name.
func (s *TaskStore) Remove(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE name = ?`, name)
	return taskAffected(res, err, name)
}

// SetEnabled toggles the enabled flag of a task.
func (s *TaskStore) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET enabled = ? WHERE name = ?`, enabled, name)
	return taskAffected(res, err, name)
}

func taskAffected(res sql.Result, err error, name string) error {
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("task %q: %w", name, ErrNotFound)
	}
	return nil
}

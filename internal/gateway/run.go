package gateway

import (
	"time"

	"github.com/user/gopherbridge/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run tracks the processing of one inbound message on its lane.
type Run struct {
	ID        types.RunID
	Key       types.SessionKey
	Message   types.NormalizedMessage
	Observer  types.ToolObserver
	Status    RunStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Result    *types.ProcessResult
	Error     error

	// OnComplete is called from the lane goroutine once the run has
	// finished, successfully or not, before the lane's next run starts.
	OnComplete func(run *Run)
}

// NewRun creates a Run in the Queued state, keyed by the message's source
// and channel.
func NewRun(msg types.NormalizedMessage) *Run {
	return &Run{
		ID:        types.NewRunID(),
		Key:       msg.Key(),
		Message:   msg,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}

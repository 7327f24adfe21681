package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/gopherbridge/internal/types"
)

var (
	// ErrNotAccepting is returned by Enqueue before Start and after
	// StopAccepting or Stop.
	ErrNotAccepting = errors.New("gateway: not accepting new messages")
	ErrLaneFull     = errors.New("gateway: lane full")
)

const (
	defaultLaneBuffer  = 100
	defaultIdleTimeout = 10 * time.Minute
)

// Processor handles a single dequeued Run.
type Processor func(ctx context.Context, run *Run) (*types.ProcessResult, error)

// Queue manages per-key lanes with a global concurrency semaphore.
// Each source:channel key gets its own FIFO channel (lane) so that messages
// from one conversation are processed sequentially, while the semaphore
// limits the total number of concurrent processors across all lanes. Idle
// lanes exit and are recreated on demand.
type Queue struct {
	lanes       map[types.SessionKey]chan *Run
	semaphore   *semaphore.Weighted
	processor   Processor
	pending     atomic.Int64
	laneBuffer  int
	idleTimeout time.Duration
	accepting   bool
	stopped     bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	logger *slog.Logger
}

// NewQueue creates a Queue that allows up to maxConcurrent runs to execute
// simultaneously across all lanes.
func NewQueue(maxConcurrent int64) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Queue{
		lanes:       make(map[types.SessionKey]chan *Run),
		semaphore:   semaphore.NewWeighted(maxConcurrent),
		laneBuffer:  defaultLaneBuffer,
		idleTimeout: defaultIdleTimeout,
		logger:      slog.Default().With("component", "queue"),
	}
}

// Start initialises the queue's context. Must be called before Enqueue.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.accepting = true
}

// StopAccepting makes further Enqueue calls fail with ErrNotAccepting.
// Runs already queued still execute.
func (q *Queue) StopAccepting() {
	q.mu.Lock()
	q.accepting = false
	q.mu.Unlock()
}

// Stop cancels the queue context, closes all lanes, and waits for lane
// goroutines to exit. Runs still queued complete with the context error.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.accepting = false
	q.stopped = true
	if q.cancel != nil {
		q.cancel()
	}
	for key, lane := range q.lanes {
		close(lane)
		delete(q.lanes, key)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue adds a Run to its key's lane, creating the lane (and its
// goroutine) on first use.
func (q *Queue) Enqueue(run *Run) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.accepting || q.ctx == nil || q.ctx.Err() != nil {
		return ErrNotAccepting
	}

	lane, exists := q.lanes[run.Key]
	if !exists {
		lane = make(chan *Run, q.laneBuffer)
		q.lanes[run.Key] = lane
		q.wg.Add(1)
		go q.processLane(run.Key, lane)
	}

	select {
	case lane <- run:
		q.pending.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrLaneFull, run.Key)
	}
}

// processLane drains a single lane, acquiring a semaphore slot before
// running the processor synchronously. This ensures strict FIFO ordering
// within a lane while the semaphore limits cross-lane parallelism.
func (q *Queue) processLane(key types.SessionKey, lane chan *Run) {
	defer q.wg.Done()
	idle := time.NewTimer(q.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case run, ok := <-lane:
			if !ok {
				return
			}
			q.execute(run)
			idle.Reset(q.idleTimeout)
		case <-idle.C:
			q.mu.Lock()
			if len(lane) == 0 && !q.stopped {
				delete(q.lanes, key)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			idle.Reset(q.idleTimeout)
		case <-q.ctx.Done():
			q.abandon(lane)
			return
		}
	}
}

// abandon fails every run left in lane. Holding mu while draining keeps a
// concurrent Enqueue from slipping a run in behind the drain.
func (q *Queue) abandon(lane chan *Run) {
	var runs []*Run
	q.mu.Lock()
	for drained := false; !drained; {
		select {
		case run, ok := <-lane:
			if !ok {
				drained = true
				break
			}
			runs = append(runs, run)
		default:
			drained = true
		}
	}
	q.mu.Unlock()
	for _, run := range runs {
		q.finish(run, nil, q.ctx.Err())
	}
}

func (q *Queue) execute(run *Run) {
	if err := q.semaphore.Acquire(q.ctx, 1); err != nil {
		q.finish(run, nil, err)
		return
	}
	defer q.semaphore.Release(1)

	now := time.Now()
	run.StartedAt = &now
	run.Status = RunStatusRunning

	if q.processor == nil {
		q.finish(run, nil, errors.New("gateway: no processor"))
		return
	}
	result, err := q.call(run)
	q.finish(run, result, err)
}

func (q *Queue) call(run *Run) (result *types.ProcessResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return q.processor(q.ctx, run)
}

func (q *Queue) finish(run *Run, result *types.ProcessResult, err error) {
	now := time.Now()
	run.EndedAt = &now
	run.Result = result
	run.Error = err
	if err != nil {
		run.Status = RunStatusFailed
		q.logger.Error("run failed", "run_id", string(run.ID), "key", string(run.Key), "error", err)
	} else {
		run.Status = RunStatusComplete
	}
	if run.OnComplete != nil {
		run.OnComplete(run)
	}
	q.pending.Add(-1)
}

// Pending returns the number of runs queued or executing.
func (q *Queue) Pending() int64 {
	return q.pending.Load()
}

// WaitIdle blocks until no runs are queued or executing, or the timeout
// expires. Returns true if idle, false if timed out.
func (q *Queue) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if q.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// SetProcessor sets the function invoked for each dequeued Run.
func (q *Queue) SetProcessor(fn Processor) {
	q.processor = fn
}

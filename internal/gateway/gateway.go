package gateway

import (
	"context"
	"time"

	"github.com/user/gopherbridge/internal/types"
)

// ProcessFunc handles one message; router.Router.Process satisfies it.
type ProcessFunc func(ctx context.Context, msg types.NormalizedMessage, observer types.ToolObserver) (*types.ProcessResult, error)

// Options configures a Gateway. Zero values select the defaults.
type Options struct {
	MaxConcurrent int64
	RunTimeout    time.Duration
	LaneBuffer    int
	LaneIdle      time.Duration
}

const (
	DefaultMaxConcurrent = 4
	DefaultRunTimeout    = 10 * time.Minute
)

// Gateway serializes inbound messages per source:channel lane and hands
// each one to the process function with a bounded run time.
type Gateway struct {
	Queue      *Queue
	process    ProcessFunc
	runTimeout time.Duration
}

// New creates a Gateway around process.
func New(process ProcessFunc, opts Options) *Gateway {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	g := &Gateway{
		Queue:      NewQueue(opts.MaxConcurrent),
		process:    process,
		runTimeout: opts.RunTimeout,
	}
	if opts.LaneBuffer > 0 {
		g.Queue.laneBuffer = opts.LaneBuffer
	}
	if opts.LaneIdle > 0 {
		g.Queue.idleTimeout = opts.LaneIdle
	}
	g.Queue.SetProcessor(g.handle)
	return g
}

// Start starts the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// StopAccepting rejects new submissions while queued runs finish.
func (g *Gateway) StopAccepting() {
	g.Queue.StopAccepting()
}

// WaitIdle waits up to timeout for every queued run to finish.
func (g *Gateway) WaitIdle(timeout time.Duration) bool {
	return g.Queue.WaitIdle(timeout)
}

// Stop cancels in-flight runs and waits for the lanes to exit.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// Submit wraps msg in a Run and enqueues it on its lane. observer and
// onComplete may be nil.
func (g *Gateway) Submit(msg types.NormalizedMessage, observer types.ToolObserver, onComplete func(*Run)) (*Run, error) {
	run := NewRun(msg)
	run.Observer = observer
	run.OnComplete = onComplete
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	return run, nil
}

// Process submits msg and blocks until its run finishes or ctx is done.
func (g *Gateway) Process(ctx context.Context, msg types.NormalizedMessage) (*types.ProcessResult, error) {
	done := make(chan *Run, 1)
	if _, err := g.Submit(msg, nil, func(r *Run) { done <- r }); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.Result, r.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) handle(ctx context.Context, run *Run) (*types.ProcessResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.runTimeout)
	defer cancel()
	return g.process(ctx, run.Message, run.Observer)
}

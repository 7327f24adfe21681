package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/gopherbridge/internal/types"
)

func newRun(key string, text string) *Run {
	return &Run{
		ID:      types.NewRunID(),
		Key:     types.SessionKey(key),
		Message: types.NormalizedMessage{Text: text},
		Status:  RunStatusQueued,
	}
}

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2)
	queue.Start(context.Background())
	defer queue.Stop()

	var running int32
	var maxSeen int32

	queue.SetProcessor(func(ctx context.Context, run *Run) (*types.ProcessResult, error) {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	})

	for i := 0; i < 5; i++ {
		if err := queue.Enqueue(newRun(fmt.Sprintf("telegram:%d", i), "x")); err != nil {
			t.Fatal(err)
		}
	}

	if !queue.WaitIdle(2 * time.Second) {
		t.Fatal("queue did not drain")
	}
	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
	if m := atomic.LoadInt32(&maxSeen); m < 2 {
		t.Errorf("expected different lanes to overlap, saw %d", m)
	}
}

func TestQueueSameLaneOrdering(t *testing.T) {
	queue := NewQueue(4)
	queue.Start(context.Background())
	defer queue.Stop()

	var mu sync.Mutex
	var order []string
	var overlap atomic.Int32
	var inLane atomic.Int32

	queue.SetProcessor(func(ctx context.Context, run *Run) (*types.ProcessResult, error) {
		if inLane.Add(1) > 1 {
			overlap.Add(1)
		}
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		order = append(order, run.Message.Text)
		mu.Unlock()
		inLane.Add(-1)
		return nil, nil
	})

	for _, text := range []string{"m1", "m2", "m3"} {
		if err := queue.Enqueue(newRun("matrix:!room", text)); err != nil {
			t.Fatal(err)
		}
	}
	if !queue.WaitIdle(2 * time.Second) {
		t.Fatal("timed out waiting for runs to process")
	}

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[m1 m2 m3]" {
		t.Errorf("expected FIFO order, got %v", order)
	}
	if overlap.Load() != 0 {
		t.Error("runs in the same lane overlapped")
	}
}

func TestQueueOnCompleteReceivesResult(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	boom := errors.New("boom")
	queue.SetProcessor(func(ctx context.Context, run *Run) (*types.ProcessResult, error) {
		if run.Message.Text == "fail" {
			return nil, boom
		}
		return &types.ProcessResult{Response: "ok:" + run.Message.Text}, nil
	})

	done := make(chan *Run, 2)
	for _, text := range []string{"hi", "fail"} {
		run := newRun("k", text)
		run.OnComplete = func(r *Run) { done <- r }
		if err := queue.Enqueue(run); err != nil {
			t.Fatal(err)
		}
	}

	first, second := <-done, <-done
	if first.Status != RunStatusComplete || first.Result.Response != "ok:hi" {
		t.Errorf("unexpected first run: %+v", first)
	}
	if second.Status != RunStatusFailed || !errors.Is(second.Error, boom) {
		t.Errorf("unexpected second run: %+v", second)
	}
	if first.StartedAt == nil || first.EndedAt == nil {
		t.Error("expected timestamps on completed run")
	}
}

func TestQueuePanicDoesNotKillLane(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())
	defer queue.Stop()

	queue.SetProcessor(func(ctx context.Context, run *Run) (*types.ProcessResult, error) {
		if run.Message.Text == "panic" {
			panic("bad input")
		}
		return &types.ProcessResult{Response: "fine"}, nil
	})

	done := make(chan *Run, 2)
	for _, text := range []string{"panic", "after"} {
		run := newRun("k", text)
		run.OnComplete = func(r *Run) { done <- r }
		if err := queue.Enqueue(run); err != nil {
			t.Fatal(err)
		}
	}

	if r := <-done; r.Error == nil {
		t.Error("expected panic to surface as an error")
	}
	if r := <-done; r.Error != nil || r.Result.Response != "fine" {
		t.Errorf("lane should keep processing after a panic, got %+v", r)
	}
}

func TestQueueStopAccepting(t *testing.T) {
	queue := NewQueue(1)
	if err := queue.Enqueue(newRun("k", "early")); !errors.Is(err, ErrNotAccepting) {
		t.Errorf("expected ErrNotAccepting before Start, got %v", err)
	}

	queue.Start(context.Background())
	defer queue.Stop()

	release := make(chan struct{})
	var processed atomic.Int32
	queue.SetProcessor(func(ctx context.Context, run *Run) (*types.ProcessResult, error) {
		<-release
		processed.Add(1)
		return nil, nil
	})

	if err := queue.Enqueue(newRun("k", "a")); err != nil {
		t.Fatal(err)
	}
	if err := queue.Enqueue(newRun("k", "b")); err != nil {
		t.Fatal(err)
	}
	queue.StopAccepting()
	if err := queue.Enqueue(newRun("k", "c")); !errors.Is(err, ErrNotAccepting) {
		t.Errorf("expected ErrNotAccepting, got %v", err)
	}

	if queue.WaitIdle(50 * time.Millisecond) {
		t.Error("queue should not be idle while runs are blocked")
	}
	close(release)
	if !queue.WaitIdle(time.Second) {
		t.Fatal("queued runs did not drain")
	}
	if processed.Load() != 2 {
		t.Errorf("expected both accepted runs to finish, got %d", processed.Load())
	}
}

func TestQueueLaneFull(t *testing.T) {
	queue := NewQueue(1)
	queue.laneBuffer = 1
	queue.Start(context.Background())
	defer queue.Stop()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	queue.SetProcessor(func(ctx context.Context, run *Run) (*types.ProcessResult, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	})
	defer close(release)

	if err := queue.Enqueue(newRun("k", "a")); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := queue.Enqueue(newRun("k", "b")); err != nil {
		t.Fatal(err)
	}
	if err := queue.Enqueue(newRun("k", "c")); !errors.Is(err, ErrLaneFull) {
		t.Errorf("expected ErrLaneFull, got %v", err)
	}
}

func TestQueueIdleLaneExits(t *testing.T) {
	queue := NewQueue(1)
	queue.idleTimeout = 20 * time.Millisecond
	queue.Start(context.Background())
	defer queue.Stop()

	var processed atomic.Int32
	queue.SetProcessor(func(ctx context.Context, run *Run) (*types.ProcessResult, error) {
		processed.Add(1)
		return nil, nil
	})

	if err := queue.Enqueue(newRun("k", "a")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		queue.mu.Lock()
		n := len(queue.lanes)
		queue.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle lane was not removed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := queue.Enqueue(newRun("k", "b")); err != nil {
		t.Fatal(err)
	}
	if !queue.WaitIdle(time.Second) {
		t.Fatal("recreated lane did not process")
	}
	if processed.Load() != 2 {
		t.Errorf("expected 2 processed runs, got %d", processed.Load())
	}
}

func TestQueueStopFailsQueuedRuns(t *testing.T) {
	queue := NewQueue(1)
	queue.Start(context.Background())

	started := make(chan struct{}, 1)
	queue.SetProcessor(func(ctx context.Context, run *Run) (*types.ProcessResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var failed atomic.Int32
	for _, text := range []string{"a", "b", "c"} {
		run := newRun("k", text)
		run.OnComplete = func(r *Run) {
			if r.Error != nil {
				failed.Add(1)
			}
		}
		if err := queue.Enqueue(run); err != nil {
			t.Fatal(err)
		}
	}
	<-started
	queue.Stop()

	if failed.Load() != 3 {
		t.Errorf("expected all 3 runs to fail on stop, got %d", failed.Load())
	}
	if queue.Pending() != 0 {
		t.Errorf("expected no pending runs, got %d", queue.Pending())
	}
}

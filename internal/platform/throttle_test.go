package platform

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type editRecorder struct {
	mu    sync.Mutex
	texts []string
	times []time.Time
}

func (r *editRecorder) apply(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	r.times = append(r.times, time.Now())
}

func (r *editRecorder) snapshot() ([]string, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...), append([]time.Time(nil), r.times...)
}

func TestThrottle_CoalescesBurst(t *testing.T) {
	rec := &editRecorder{}
	th := NewThrottle(150*time.Millisecond, rec.apply)

	start := time.Now()
	th.Edit("e0")
	time.Sleep(10 * time.Millisecond)
	th.Edit("e10")
	time.Sleep(10 * time.Millisecond)
	th.Edit("e20")
	time.Sleep(10 * time.Millisecond)
	th.Edit("e30")

	time.Sleep(350 * time.Millisecond)

	texts, times := rec.snapshot()
	require.Equal(t, []string{"e0", "e30"}, texts)
	assert.GreaterOrEqual(t, times[1].Sub(start), 140*time.Millisecond)
	assert.Less(t, times[1].Sub(start), 300*time.Millisecond)
}

func TestThrottle_AfterWindowAppliesImmediately(t *testing.T) {
	rec := &editRecorder{}
	th := NewThrottle(50*time.Millisecond, rec.apply)

	th.Edit("a")
	time.Sleep(80 * time.Millisecond)
	th.Edit("b")

	texts, _ := rec.snapshot()
	assert.Equal(t, []string{"a", "b"}, texts)
}

func TestThrottle_StopCancelsPending(t *testing.T) {
	rec := &editRecorder{}
	th := NewThrottle(50*time.Millisecond, rec.apply)

	th.Edit("a")
	th.Edit("b")
	th.Stop()
	th.Edit("c")
	time.Sleep(120 * time.Millisecond)

	texts, _ := rec.snapshot()
	assert.Equal(t, []string{"a"}, texts)
}

func TestEditThrottler_PerHandle(t *testing.T) {
	var mu sync.Mutex
	got := map[Handle][]string{}
	et := NewEditThrottler(100*time.Millisecond, func(_ context.Context, h Handle, text string) error {
		mu.Lock()
		defer mu.Unlock()
		got[h] = append(got[h], text)
		return nil
	}, nil)

	h1 := Handle{ChannelID: "c", MessageID: "1"}
	h2 := Handle{ChannelID: "c", MessageID: "2"}

	et.Edit(h1, "one")
	et.Edit(h2, "two")
	et.Edit(h1, "one-b")
	et.Forget(h1)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one"}, got[h1])
	assert.Equal(t, []string{"two"}, got[h2])
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/gopherbridge/internal/types"
)

func TestGatewayProcess(t *testing.T) {
	var mu sync.Mutex
	var seen []types.NormalizedMessage
	gw := New(func(ctx context.Context, msg types.NormalizedMessage, obs types.ToolObserver) (*types.ProcessResult, error) {
		mu.Lock()
		seen = append(seen, msg)
		mu.Unlock()
		return &types.ProcessResult{Response: "echo: " + msg.Text}, nil
	}, Options{})
	gw.Start(context.Background())
	defer gw.Stop()

	res, err := gw.Process(context.Background(), types.NormalizedMessage{Source: "webhook", ChannelID: "ci", Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != "echo: hello" {
		t.Errorf("unexpected response %q", res.Response)
	}
	if len(seen) != 1 || seen[0].Source != "webhook" {
		t.Errorf("unexpected processed messages: %+v", seen)
	}
}

func TestGatewaySubmitKeysBySourceAndChannel(t *testing.T) {
	gw := New(func(ctx context.Context, msg types.NormalizedMessage, obs types.ToolObserver) (*types.ProcessResult, error) {
		return &types.ProcessResult{}, nil
	}, Options{})
	gw.Start(context.Background())
	defer gw.Stop()

	run, err := gw.Submit(types.NormalizedMessage{Source: "telegram", ChannelID: "-100", UserID: "u1"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if run.Key != "telegram:-100" {
		t.Errorf("expected key telegram:-100, got %s", run.Key)
	}
	gw.WaitIdle(time.Second)
}

func TestGatewayPassesObserver(t *testing.T) {
	got := make(chan types.ToolObserver, 1)
	gw := New(func(ctx context.Context, msg types.NormalizedMessage, obs types.ToolObserver) (*types.ProcessResult, error) {
		got <- obs
		return &types.ProcessResult{}, nil
	}, Options{})
	gw.Start(context.Background())
	defer gw.Stop()

	obs := &toolCounter{}
	if _, err := gw.Submit(types.NormalizedMessage{Source: "matrix", ChannelID: "!r"}, obs, nil); err != nil {
		t.Fatal(err)
	}
	if o := <-got; o != obs {
		t.Errorf("expected observer to be passed through, got %v", o)
	}
}

func TestGatewayRunTimeout(t *testing.T) {
	gw := New(func(ctx context.Context, msg types.NormalizedMessage, obs types.ToolObserver) (*types.ProcessResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{RunTimeout: 20 * time.Millisecond})
	gw.Start(context.Background())
	defer gw.Stop()

	_, err := gw.Process(context.Background(), types.NormalizedMessage{Source: "webhook", ChannelID: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestGatewayStopAccepting(t *testing.T) {
	gw := New(func(ctx context.Context, msg types.NormalizedMessage, obs types.ToolObserver) (*types.ProcessResult, error) {
		return &types.ProcessResult{}, nil
	}, Options{})
	gw.Start(context.Background())
	defer gw.Stop()

	gw.StopAccepting()
	if _, err := gw.Submit(types.NormalizedMessage{Source: "telegram", ChannelID: "1"}, nil, nil); !errors.Is(err, ErrNotAccepting) {
		t.Errorf("expected ErrNotAccepting, got %v", err)
	}
}

type toolCounter struct{ uses int }

func (c *toolCounter) OnToolUse(string, json.RawMessage) { c.uses++ }
func (c *toolCounter) OnToolComplete(string, bool)       {}

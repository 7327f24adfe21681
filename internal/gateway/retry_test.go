package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Multiplier:   1.0,
		MaxDelay:     10 * time.Millisecond,
	}
}

func TestRetryPolicyDelays(t *testing.T) {
	policy := DefaultRetryPolicy()
	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		if got := policy.NextDelay(attempt); got != want {
			t.Errorf("NextDelay(%d) = %v, want %v", attempt, got, want)
		}
	}

	policy = &RetryPolicy{MaxAttempts: 10, InitialDelay: time.Second, Multiplier: 10, MaxDelay: 30 * time.Second}
	if got := policy.NextDelay(5); got != policy.MaxDelay {
		t.Errorf("NextDelay(5) = %v, want cap %v", got, policy.MaxDelay)
	}
}

func TestRetryPolicyShouldRetry(t *testing.T) {
	policy := DefaultRetryPolicy()
	transient := errors.New("connection refused")

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"transient", transient, 1, true},
		{"last attempt", transient, 3, false},
		{"nil", nil, 1, false},
		{"permanent", Permanent(errors.New("unauthorized")), 1, false},
		{"wrapped permanent", fmt.Errorf("connect: %w", Permanent(transient)), 1, false},
		{"cancelled", fmt.Errorf("dial: %w", context.Canceled), 1, false},
		{"deadline", context.DeadlineExceeded, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.ShouldRetry(tt.err, tt.attempt); got != tt.want {
				t.Errorf("ShouldRetry(%v, %d) = %v, want %v", tt.err, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
	base := errors.New("bad token")
	err := Permanent(base)
	if !errors.Is(err, base) {
		t.Error("Permanent should wrap the original error")
	}
	if err.Error() != "bad token" {
		t.Errorf("Error() = %q", err.Error())
	}
	if IsPermanent(base) {
		t.Error("unmarked error reported as permanent")
	}
}

func TestRetryPolicyExecuteSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPolicyExecutePermanent(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Execute(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("invalid token"))
	})
	if !IsPermanent(err) {
		t.Errorf("expected the permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", calls)
	}
}

func TestRetryPolicyExecuteAllFail(t *testing.T) {
	calls := 0
	last := errors.New("timeout")
	err := fastPolicy(2).Execute(context.Background(), func(context.Context) error {
		calls++
		return last
	})
	if !errors.Is(err, last) {
		t.Errorf("expected last error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicyExecuteCancelled(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Hour,
		Multiplier:   1.0,
		MaxDelay:     time.Hour,
	}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := policy.Execute(ctx, func(context.Context) error {
		calls++
		cancel()
		return errors.New("connection refused")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

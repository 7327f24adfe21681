package platform

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultEditWindow is the minimum spacing between applied edits of one
// message.
const DefaultEditWindow = 150 * time.Millisecond

// Throttle rate-limits edits of a single message. The first edit applies
// immediately. Edits inside the window after the last applied edit are
// coalesced: only the newest content is kept and one timer flushes it when
// the window closes. Edits arriving after the window apply immediately.
type Throttle struct {
	window time.Duration
	apply  func(text string)
	now    func() time.Time

	mu          sync.Mutex
	lastApplied time.Time
	pending     *string
	timer       *time.Timer
	stopped     bool

	// applyMu keeps applies in order when a flush races an immediate edit.
	applyMu sync.Mutex
}

// NewThrottle returns a throttle calling apply for each edit that goes out.
func NewThrottle(window time.Duration, apply func(text string)) *Throttle {
	if window <= 0 {
		window = DefaultEditWindow
	}
	return &Throttle{window: window, apply: apply, now: time.Now}
}

// Edit requests that the message show text.
func (t *Throttle) Edit(text string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.now()
	if t.timer == nil && (t.lastApplied.IsZero() || now.Sub(t.lastApplied) >= t.window) {
		t.lastApplied = now
		t.mu.Unlock()
		t.run(text)
		return
	}

	t.pending = &text
	if t.timer == nil {
		delay := t.window - now.Sub(t.lastApplied)
		if delay < 0 {
			delay = 0
		}
		t.timer = time.AfterFunc(delay, t.flush)
	}
	t.mu.Unlock()
}

// Applied records an update made outside the throttle, such as the initial
// post, as the last applied edit.
func (t *Throttle) Applied() {
	t.mu.Lock()
	t.lastApplied = t.now()
	t.mu.Unlock()
}

func (t *Throttle) flush() {
	t.mu.Lock()
	t.timer = nil
	if t.stopped || t.pending == nil {
		t.mu.Unlock()
		return
	}
	text := *t.pending
	t.pending = nil
	t.lastApplied = t.now()
	t.mu.Unlock()

	t.run(text)
}

func (t *Throttle) run(text string) {
	t.applyMu.Lock()
	defer t.applyMu.Unlock()
	t.apply(text)
}

// Stop cancels any deferred edit. Later edits are ignored.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// EditFunc performs one platform edit.
type EditFunc func(ctx context.Context, h Handle, text string) error

// EditThrottler keeps one Throttle per placeholder handle. Adapters route
// EditPlaceholder through it and call Forget when the placeholder is
// deleted.
type EditThrottler struct {
	window  time.Duration
	timeout time.Duration
	edit    EditFunc
	logger  *slog.Logger

	mu        sync.Mutex
	throttles map[Handle]*Throttle
}

// NewEditThrottler wraps edit with per-handle throttling.
func NewEditThrottler(window time.Duration, edit EditFunc, logger *slog.Logger) *EditThrottler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EditThrottler{
		window:    window,
		timeout:   10 * time.Second,
		edit:      edit,
		logger:    logger,
		throttles: make(map[Handle]*Throttle),
	}
}

// Edit schedules an edit of h. Failures are logged; a failed edit never
// stops the request that produced it.
func (e *EditThrottler) Edit(h Handle, text string) {
	e.mu.Lock()
	th, ok := e.throttles[h]
	if !ok {
		th = NewThrottle(e.window, func(text string) {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()
			if err := e.edit(ctx, h, text); err != nil {
				e.logger.Warn("edit placeholder failed", "channel", h.ChannelID, "message", h.MessageID, "error", err)
			}
		})
		e.throttles[h] = th
	}
	e.mu.Unlock()

	th.Edit(text)
}

// Forget drops the throttle for h, cancelling any deferred edit.
func (e *EditThrottler) Forget(h Handle) {
	e.mu.Lock()
	th, ok := e.throttles[h]
	delete(e.throttles, h)
	e.mu.Unlock()

	if ok {
		th.Stop()
	}
}

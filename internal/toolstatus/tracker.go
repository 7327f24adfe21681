// Package toolstatus shows a live, throttled status message listing the
// tools the backend is running for a request.
package toolstatus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/gopherbridge/internal/platform"
	"github.com/user/gopherbridge/internal/types"
)

const (
	DefaultInitialDelay      = 1500 * time.Millisecond
	DefaultEditInterval      = platform.DefaultEditWindow
	DefaultMaxCompletedTools = 5

	postTimeout = 10 * time.Second
)

// Status of one tool invocation.
type Status int

const (
	Running Status = iota
	Done
	Failed
)

func (s Status) glyph() string {
	switch s {
	case Done:
		return "✅"
	case Failed:
		return "❌"
	default:
		return "⏳"
	}
}

// Poster is the slice of a platform adapter the tracker needs.
type Poster interface {
	PostPlaceholder(ctx context.Context, channelID, text string) (platform.Handle, error)
	EditPlaceholder(ctx context.Context, h platform.Handle, text string) error
	DeletePlaceholder(ctx context.Context, h platform.Handle) error
}

// Options tunes a Tracker. Zero values select the defaults.
type Options struct {
	InitialDelay      time.Duration
	EditInterval      time.Duration
	MaxCompletedTools int
}

func (o *Options) withDefaults() {
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.EditInterval <= 0 {
		o.EditInterval = DefaultEditInterval
	}
	if o.MaxCompletedTools <= 0 {
		o.MaxCompletedTools = DefaultMaxCompletedTools
	}
}

type entry struct {
	name   string
	label  string
	status Status
}

// Tracker follows one request. Nothing is posted until a tool has been
// running for InitialDelay, so quick requests never show a status message.
// Tracker implements types.ToolObserver.
type Tracker struct {
	poster    Poster
	channelID string
	opts      Options
	logger    *slog.Logger
	startedAt time.Time

	mu        sync.Mutex
	entries   []entry
	postTimer *time.Timer
	posted    bool
	handle    platform.Handle
	throttle  *platform.Throttle
	closed    bool
}

var _ types.ToolObserver = (*Tracker)(nil)

// New creates a tracker that posts into channelID.
func New(poster Poster, channelID string, opts Options) *Tracker {
	opts.withDefaults()
	return &Tracker{
		poster:    poster,
		channelID: channelID,
		opts:      opts,
		logger:    slog.Default().With("component", "toolstatus", "channel", channelID),
		startedAt: time.Now(),
	}
}

// OnToolUse records a new running tool. The previous running tool, if any,
// is marked done.
func (t *Tracker) OnToolUse(name string, input json.RawMessage) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	for i := range t.entries {
		if t.entries[i].status == Running {
			t.entries[i].status = Done
		}
	}
	t.entries = append(t.entries, entry{name: name, label: Label(name, input), status: Running})

	if !t.posted && t.postTimer == nil {
		t.postTimer = time.AfterFunc(t.opts.InitialDelay, t.post)
	}
	th, text := t.refreshLocked()
	t.mu.Unlock()

	if th != nil {
		th.Edit(text)
	}
}

// OnToolComplete marks the latest running invocation of name finished.
func (t *Tracker) OnToolComplete(name string, isError bool) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		if t.entries[i].name == name && t.entries[i].status == Running {
			t.entries[i].status = Done
			if isError {
				t.entries[i].status = Failed
			}
			break
		}
	}
	th, text := t.refreshLocked()
	t.mu.Unlock()

	if th != nil {
		th.Edit(text)
	}
}

// refreshLocked returns the throttle and text to push, or a nil throttle
// while nothing is posted. The edit itself runs after t.mu is released.
func (t *Tracker) refreshLocked() (*platform.Throttle, string) {
	if !t.posted || t.throttle == nil {
		return nil, ""
	}
	return t.throttle, t.renderLocked()
}

func (t *Tracker) post() {
	t.mu.Lock()
	if t.closed || t.posted {
		t.mu.Unlock()
		return
	}
	text := t.renderLocked()
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	handle, err := t.poster.PostPlaceholder(ctx, t.channelID, text)
	if err != nil {
		t.logger.Warn("post tool status failed", "error", err)
		return
	}

	t.mu.Lock()
	if t.closed {
		// Cleanup ran while the post was in flight.
		t.mu.Unlock()
		if err := t.poster.DeletePlaceholder(ctx, handle); err != nil {
			t.logger.Warn("delete tool status failed", "error", err)
		}
		return
	}
	t.posted = true
	t.handle = handle
	t.throttle = platform.NewThrottle(t.opts.EditInterval, func(text string) {
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		if err := t.poster.EditPlaceholder(ctx, handle, text); err != nil {
			t.logger.Warn("edit tool status failed", "error", err)
		}
	})
	// The post itself counts as the first applied edit.
	t.throttle.Applied()
	th, current := t.throttle, t.renderLocked()
	t.mu.Unlock()

	if current != text {
		th.Edit(current)
	}
}

// Posted reports whether the status message is currently visible.
func (t *Tracker) Posted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.posted && !t.closed
}

// Cleanup cancels pending work and deletes the status message if it was
// posted. It is safe to call at any point and more than once.
func (t *Tracker) Cleanup(ctx context.Context) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.postTimer != nil {
		t.postTimer.Stop()
	}
	th, handle, posted := t.throttle, t.handle, t.posted
	t.mu.Unlock()

	if th != nil {
		th.Stop()
	}
	if posted {
		if err := t.poster.DeletePlaceholder(ctx, handle); err != nil {
			t.logger.Warn("delete tool status failed", "error", err)
		}
	}
	t.logger.Debug("tool status cleaned up", "posted", posted, "elapsed", time.Since(t.startedAt))
}

func (t *Tracker) renderLocked() string {
	return render(t.entries, t.opts.MaxCompletedTools)
}

// render lists the entries in order. Completed entries beyond maxCompleted
// are elided oldest first; running entries always show.
func render(entries []entry, maxCompleted int) string {
	completed := 0
	for _, e := range entries {
		if e.status != Running {
			completed++
		}
	}
	skip := completed - maxCompleted

	var lines []string
	if skip > 0 {
		lines = append(lines, fmt.Sprintf("… %d more", skip))
	}
	for _, e := range entries {
		if e.status != Running && skip > 0 {
			skip--
			continue
		}
		lines = append(lines, e.status.glyph()+" "+e.label)
	}
	return strings.Join(lines, "\n")
}

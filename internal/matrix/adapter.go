// Package matrix is the Matrix platform adapter built on mautrix: a sync
// loop for inbound events, markdown rendered to HTML on the way out, edits
// as m.replace relations and deletes as redactions.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/user/gopherbridge/internal/platform"
	"github.com/user/gopherbridge/internal/types"
)

const (
	Name             = "matrix"
	MaxMessageLength = 16000

	sentMemory = 1000

	maxDownloadSize = 20 << 20
)

// Options configures the adapter.
type Options struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Gate        platform.GatePolicy
	EditWindow  time.Duration
	// DownloadDir receives inbound media. Empty disables downloads.
	DownloadDir string
}

// Adapter bridges a Matrix account to the dispatcher.
type Adapter struct {
	opts   Options
	client *mautrix.Client
	userID id.UserID
	logger *slog.Logger
	edits  *platform.EditThrottler

	maxDownload int64

	mu        sync.Mutex
	connected bool
	since     time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	handler   platform.Handler

	// sent remembers our own event ids so replies to them count as
	// addressing the bot.
	sentMu    sync.Mutex
	sent      map[id.EventID]struct{}
	sentOrder []id.EventID

	membersMu sync.Mutex
	direct    map[id.RoomID]bool
}

var _ platform.Adapter = (*Adapter)(nil)

// New creates the adapter and its client. Nothing touches the network until
// Connect.
func New(opts Options) (*Adapter, error) {
	if opts.Homeserver == "" || opts.UserID == "" {
		return nil, errors.New("matrix: homeserver and user id are required")
	}
	client, err := mautrix.NewClient(opts.Homeserver, id.UserID(opts.UserID), opts.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	a := &Adapter{
		opts:   opts,
		client: client,
		userID: id.UserID(opts.UserID),
		logger: slog.Default().With("component", "matrix"),
		sent:   make(map[id.EventID]struct{}),
		direct: make(map[id.RoomID]bool),

		maxDownload: maxDownloadSize,
	}
	a.edits = platform.NewEditThrottler(opts.EditWindow, a.applyEdit, a.logger)

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, a.handleMessage)
	return a, nil
}

func (a *Adapter) Name() string          { return Name }
func (a *Adapter) MaxMessageLength() int { return MaxMessageLength }

// OnEvent sets the handler for observed messages.
func (a *Adapter) OnEvent(h platform.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Connect verifies the access token and starts the sync loop. Events older
// than the connect time are ignored.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if a.opts.AccessToken == "" {
		return fmt.Errorf("matrix: access token not configured: %w", platform.ErrUnauthorized)
	}
	if _, err := a.client.Whoami(ctx); err != nil {
		if errors.Is(err, mautrix.MUnknownToken) || errors.Is(err, mautrix.MMissingToken) {
			return fmt.Errorf("matrix whoami: %w: %v", platform.ErrUnauthorized, err)
		}
		return fmt.Errorf("matrix whoami: %w", err)
	}

	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.done = make(chan struct{})
	a.since = time.Now()
	a.connected = true
	go a.sync(syncCtx, a.done)

	a.logger.Info("connected", "homeserver", a.opts.Homeserver, "user_id", a.opts.UserID)
	return nil
}

func (a *Adapter) sync(ctx context.Context, done chan struct{}) {
	defer close(done)
	err := a.client.SyncWithContext(ctx)
	if err != nil && ctx.Err() == nil {
		a.logger.Error("matrix sync failed", "error", err)
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
	}
}

// Disconnect stops the sync loop. It is a no-op when not connected.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel == nil {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()

	a.client.StopSync()
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.logger.Info("disconnected")
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) remember(eventID id.EventID) {
	a.sentMu.Lock()
	defer a.sentMu.Unlock()
	a.sent[eventID] = struct{}{}
	a.sentOrder = append(a.sentOrder, eventID)
	if len(a.sentOrder) > sentMemory {
		delete(a.sent, a.sentOrder[0])
		a.sentOrder = a.sentOrder[1:]
	}
}

func (a *Adapter) isOurs(eventID id.EventID) bool {
	if eventID == "" {
		return false
	}
	a.sentMu.Lock()
	defer a.sentMu.Unlock()
	_, ok := a.sent[eventID]
	return ok
}

func (a *Adapter) send(ctx context.Context, roomID string, content *event.MessageEventContent) (id.EventID, error) {
	resp, err := a.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", err
	}
	a.remember(resp.EventID)
	return resp.EventID, nil
}

// SendMessage sends markdown text with an HTML formatted_body.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if formatted := renderHTML(text); formatted != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}
	if _, err := a.send(ctx, channelID, content); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendFile uploads the attachment and posts it as an image or file event.
// Attachments that only carry a URL are sent as a link.
func (a *Adapter) SendFile(ctx context.Context, channelID string, file types.Attachment) error {
	data := file.Data
	if len(data) == 0 && file.Path != "" {
		b, err := os.ReadFile(file.Path)
		if err != nil {
			return fmt.Errorf("read attachment: %w", err)
		}
		data = b
	}
	if len(data) == 0 {
		if file.URL != "" {
			return a.SendMessage(ctx, channelID, fmt.Sprintf("[%s](%s)", file.Name, file.URL))
		}
		return fmt.Errorf("matrix: attachment %q has no content", file.Name)
	}

	mime := file.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	up, err := a.client.UploadBytesWithName(ctx, data, mime, file.Name)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	msgType := event.MsgFile
	if file.IsImage() {
		msgType = event.MsgImage
	}
	content := &event.MessageEventContent{
		MsgType:  msgType,
		Body:     file.Name,
		FileName: file.Name,
		URL:      up.ContentURI.CUString(),
		Info:     &event.FileInfo{MimeType: mime, Size: len(data)},
	}
	if _, err := a.send(ctx, channelID, content); err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	return nil
}

// PostPlaceholder sends a notice that later edits replace.
func (a *Adapter) PostPlaceholder(ctx context.Context, channelID, text string) (platform.Handle, error) {
	eventID, err := a.send(ctx, channelID, &event.MessageEventContent{MsgType: event.MsgNotice, Body: text})
	if err != nil {
		return platform.Handle{}, fmt.Errorf("post placeholder: %w", err)
	}
	return platform.Handle{ChannelID: channelID, MessageID: eventID.String()}, nil
}

// EditPlaceholder queues an m.replace edit through the per-handle throttle.
func (a *Adapter) EditPlaceholder(ctx context.Context, h platform.Handle, text string) error {
	if h.IsZero() {
		return errors.New("matrix: empty placeholder handle")
	}
	a.edits.Edit(h, text)
	return nil
}

func (a *Adapter) applyEdit(ctx context.Context, h platform.Handle, text string) error {
	content := &event.MessageEventContent{MsgType: event.MsgNotice, Body: text}
	content.SetEdit(id.EventID(h.MessageID))
	if _, err := a.client.SendMessageEvent(ctx, id.RoomID(h.ChannelID), event.EventMessage, content); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeletePlaceholder drops pending edits and redacts the event.
func (a *Adapter) DeletePlaceholder(ctx context.Context, h platform.Handle) error {
	a.edits.Forget(h)
	if _, err := a.client.RedactEvent(ctx, id.RoomID(h.ChannelID), id.EventID(h.MessageID)); err != nil {
		return fmt.Errorf("redact message: %w", err)
	}
	return nil
}

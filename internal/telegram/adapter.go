// Package telegram is the Telegram platform adapter: long-polling for
// updates, mention and reply gating, and placeholder messages edited in
// place under the shared edit throttle.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gopherbridge/internal/platform"
	"github.com/user/gopherbridge/internal/types"
)

const (
	Name             = "telegram"
	MaxMessageLength = 4096

	maxDownloadSize = 20 << 20
)

var commands = map[string]bool{"start": true, "new": true, "status": true}

// botAPI is the part of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetFileDirectURL(fileID string) (string, error)
}

// Options configures the adapter.
type Options struct {
	Token string
	Gate  platform.GatePolicy
	// EditWindow is the minimum spacing between placeholder edits.
	EditWindow time.Duration
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int
	// DownloadDir receives inbound documents and photos. Empty disables
	// downloads; attachments are then described by name only.
	DownloadDir string
}

// Adapter bridges Telegram to the dispatcher.
type Adapter struct {
	opts   Options
	dial   func(token string) (botAPI, tgbotapi.User, error)
	http   *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	bot       botAPI
	self      tgbotapi.User
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
	handler   platform.Handler
	edits     *platform.EditThrottler
}

var _ platform.Adapter = (*Adapter)(nil)

// New creates a Telegram adapter. Nothing touches the network until Connect.
func New(opts Options) *Adapter {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30
	}
	a := &Adapter{
		opts:   opts,
		dial:   dialBot,
		http:   &http.Client{Timeout: 60 * time.Second},
		logger: slog.Default().With("component", "telegram"),
	}
	a.edits = platform.NewEditThrottler(opts.EditWindow, a.applyEdit, a.logger)
	return a
}

func dialBot(token string) (botAPI, tgbotapi.User, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, tgbotapi.User{}, err
	}
	return bot, bot.Self, nil
}

func (a *Adapter) Name() string          { return Name }
func (a *Adapter) MaxMessageLength() int { return MaxMessageLength }

// MeasureText counts UTF-16 code units, the unit Telegram's message limit
// is expressed in.
func (a *Adapter) MeasureText(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// OnEvent sets the handler for observed messages.
func (a *Adapter) OnEvent(h platform.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Connect authenticates and starts long-polling.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	if a.opts.Token == "" {
		return fmt.Errorf("telegram: bot token not configured: %w", platform.ErrUnauthorized)
	}
	bot, self, err := a.dial(a.opts.Token)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound) {
			return fmt.Errorf("create bot: %w: %v", platform.ErrUnauthorized, err)
		}
		return fmt.Errorf("create bot: %w", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = a.opts.PollTimeout
	updates := bot.GetUpdatesChan(u)

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.bot, a.self, a.cancel = bot, self, cancel
	a.done = make(chan struct{})
	a.connected = true
	go a.poll(pollCtx, updates, a.done)

	a.logger.Info("connected", "username", self.UserName)
	return nil
}

// Disconnect stops polling. It is a no-op when not connected.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	bot, cancel, done := a.bot, a.cancel, a.done
	a.mu.Unlock()

	bot.StopReceivingUpdates()
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

func (a *Adapter) poll(ctx context.Context, updates tgbotapi.UpdatesChannel, done chan struct{}) {
	defer close(done)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				a.handleMessage(ctx, update.Message)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	a.mu.Lock()
	handler, self := a.handler, a.self
	a.mu.Unlock()
	if handler == nil {
		return
	}

	text := msg.Text
	entities := msg.Entities
	if text == "" {
		text, entities = msg.Caption, msg.CaptionEntities
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	nm := types.NormalizedMessage{
		Source:    Name,
		ChannelID: chatID,
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		Metadata: map[string]string{
			"chat_type":  msg.Chat.Type,
			"message_id": strconv.Itoa(msg.MessageID),
		},
	}

	addr := platform.Addressing{
		Private:    msg.Chat.IsPrivate(),
		ReplyToBot: msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == self.ID,
	}
	text, addr.Mentioned = stripMention(text, entities, self)

	forward := false
	if cmd, target := commandOf(msg); cmd != "" && commands[cmd] && (target == "" || strings.EqualFold(target, self.UserName)) {
		nm.Metadata[platform.MetaCommand] = cmd
		forward = addr.Private || target != "" || addr.ReplyToBot || !a.opts.Gate.RequiresMention("", chatID)
	} else {
		forward = a.opts.Gate.ShouldForward("", chatID, text, addr)
	}
	nm.Text = strings.TrimSpace(text)

	if forward {
		nm.Attachments = a.attachments(ctx, msg)
	}

	handler(ctx, platform.Event{
		Message:    nm,
		MessageID:  strconv.Itoa(msg.MessageID),
		SenderName: senderName(msg.From),
		IsBot:      msg.From.IsBot,
		Timestamp:  msg.Time(),
		Forward:    forward,
	})
}

// commandOf returns the bot command and its @target, if any.
func commandOf(msg *tgbotapi.Message) (string, string) {
	if !msg.IsCommand() {
		return "", ""
	}
	cmd := msg.Command()
	withAt := msg.CommandWithAt()
	if i := strings.Index(withAt, "@"); i >= 0 {
		return cmd, withAt[i+1:]
	}
	return cmd, ""
}

// stripMention removes @botname mentions from text and reports whether the
// bot was mentioned. Entity offsets are in UTF-16 code units.
func stripMention(text string, entities []tgbotapi.MessageEntity, self tgbotapi.User) (string, bool) {
	if len(entities) == 0 {
		return text, false
	}
	units := utf16.Encode([]rune(text))
	mentioned := false
	var keep []uint16
	last := 0
	for _, e := range entities {
		if e.Offset < last || e.Offset+e.Length > len(units) {
			continue
		}
		hit := false
		switch e.Type {
		case "mention":
			name := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
			hit = self.UserName != "" && strings.EqualFold(name, "@"+self.UserName)
		case "text_mention":
			hit = e.User != nil && e.User.ID == self.ID
			if hit {
				mentioned = true
				continue
			}
		}
		if hit {
			mentioned = true
			keep = append(keep, units[last:e.Offset]...)
			last = e.Offset + e.Length
		}
	}
	if !mentioned {
		return text, false
	}
	keep = append(keep, units[last:]...)
	return strings.Join(strings.Fields(string(utf16.Decode(keep))), " "), true
}

func senderName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (a *Adapter) attachments(ctx context.Context, msg *tgbotapi.Message) []types.Attachment {
	var out []types.Attachment
	if d := msg.Document; d != nil {
		out = append(out, a.fetch(ctx, d.FileID, d.FileUniqueID, d.FileName, d.MimeType))
	}
	if n := len(msg.Photo); n > 0 {
		p := msg.Photo[n-1]
		out = append(out, a.fetch(ctx, p.FileID, p.FileUniqueID, p.FileUniqueID+".jpg", "image/jpeg"))
	}
	return out
}

// fetch downloads a file into DownloadDir. Failures leave the attachment
// described by name only.
func (a *Adapter) fetch(ctx context.Context, fileID, uniqueID, name, mime string) types.Attachment {
	att := types.Attachment{Name: name, MimeType: mime}
	if a.opts.DownloadDir == "" {
		return att
	}
	path, err := a.download(ctx, fileID, uniqueID+"-"+filepath.Base(name))
	if err != nil {
		a.logger.Warn("download attachment failed", "file", name, "error", err)
		return att
	}
	att.Path = path
	return att
}

func (a *Adapter) download(ctx context.Context, fileID, name string) (string, error) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	url, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download status %d", resp.StatusCode)
	}
	if err := os.MkdirAll(a.opts.DownloadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(a.opts.DownloadDir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxDownloadSize)); err != nil {
		return "", err
	}
	return path, nil
}

func (a *Adapter) client() (botAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot == nil {
		return nil, errors.New("telegram: not connected")
	}
	return a.bot, nil
}

func parseChatID(channelID string) (int64, error) {
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q", channelID)
	}
	return id, nil
}

func parseHandle(h platform.Handle) (int64, int, error) {
	chatID, err := parseChatID(h.ChannelID)
	if err != nil {
		return 0, 0, err
	}
	msgID, err := strconv.Atoi(h.MessageID)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: invalid message id %q", h.MessageID)
	}
	return chatID, msgID, nil
}

// SendMessage sends text as Markdown, retrying as plain text when Telegram
// rejects the markup.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	_, err := a.send(channelID, text)
	return err
}

func (a *Adapter) send(channelID, text string) (tgbotapi.Message, error) {
	bot, err := a.client()
	if err != nil {
		return tgbotapi.Message{}, err
	}
	chatID, err := parseChatID(channelID)
	if err != nil {
		return tgbotapi.Message{}, err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	sent, err := bot.Send(msg)
	if err != nil {
		msg.ParseMode = ""
		sent, err = bot.Send(msg)
		if err != nil {
			return tgbotapi.Message{}, fmt.Errorf("send message: %w", err)
		}
	}
	return sent, nil
}

// SendFile sends images as photos and everything else as documents.
func (a *Adapter) SendFile(ctx context.Context, channelID string, file types.Attachment) error {
	bot, err := a.client()
	if err != nil {
		return err
	}
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	var data tgbotapi.RequestFileData
	switch {
	case len(file.Data) > 0:
		data = tgbotapi.FileBytes{Name: file.Name, Bytes: file.Data}
	case file.Path != "":
		data = tgbotapi.FilePath(file.Path)
	case file.URL != "":
		data = tgbotapi.FileURL(file.URL)
	default:
		return fmt.Errorf("telegram: attachment %q has no content", file.Name)
	}
	var c tgbotapi.Chattable
	if file.IsImage() {
		c = tgbotapi.NewPhoto(chatID, data)
	} else {
		c = tgbotapi.NewDocument(chatID, data)
	}
	if _, err := bot.Send(c); err != nil {
		return fmt.Errorf("send file: %w", err)
	}
	return nil
}

// PostPlaceholder sends a plain message that later edits replace.
func (a *Adapter) PostPlaceholder(ctx context.Context, channelID, text string) (platform.Handle, error) {
	bot, err := a.client()
	if err != nil {
		return platform.Handle{}, err
	}
	chatID, err := parseChatID(channelID)
	if err != nil {
		return platform.Handle{}, err
	}
	sent, err := bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return platform.Handle{}, fmt.Errorf("post placeholder: %w", err)
	}
	return platform.Handle{ChannelID: channelID, MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// EditPlaceholder queues an edit through the per-handle throttle.
func (a *Adapter) EditPlaceholder(ctx context.Context, h platform.Handle, text string) error {
	if _, _, err := parseHandle(h); err != nil {
		return err
	}
	a.edits.Edit(h, text)
	return nil
}

func (a *Adapter) applyEdit(ctx context.Context, h platform.Handle, text string) error {
	bot, err := a.client()
	if err != nil {
		return err
	}
	chatID, msgID, err := parseHandle(h)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewEditMessageText(chatID, msgID, text)); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeletePlaceholder drops pending edits and deletes the message.
func (a *Adapter) DeletePlaceholder(ctx context.Context, h platform.Handle) error {
	a.edits.Forget(h)
	bot, err := a.client()
	if err != nil {
		return err
	}
	chatID, msgID, err := parseHandle(h)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

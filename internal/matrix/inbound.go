package matrix

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/user/gopherbridge/internal/platform"
	"github.com/user/gopherbridge/internal/types"
)

func (a *Adapter) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == a.userID {
		return
	}
	a.mu.Lock()
	handler, since := a.handler, a.since
	a.mu.Unlock()
	if handler == nil {
		return
	}
	ts := time.UnixMilli(evt.Timestamp)
	if ts.Before(since) {
		return
	}

	content := evt.Content.AsMessage()
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	roomID := evt.RoomID.String()
	nm := types.NormalizedMessage{
		Source:    Name,
		ChannelID: roomID,
		UserID:    evt.Sender.String(),
		Metadata:  map[string]string{"event_id": evt.ID.String()},
	}

	var media bool
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		nm.Text = a.bodyText(content)
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		media = true
		if content.FileName != "" && content.Body != content.FileName {
			nm.Text = content.Body
		}
	default:
		return
	}

	replyTo := content.RelatesTo.GetReplyTo()
	if replyTo != "" {
		nm.Metadata["reply_to"] = replyTo.String()
	}
	if thread := content.RelatesTo.GetThreadParent(); thread != "" {
		nm.Metadata["thread_id"] = thread.String()
	}

	addr := platform.Addressing{
		Mentioned:  a.mentioned(content, nm.Text),
		ReplyToBot: a.isOurs(replyTo),
		Private:    a.isDirect(ctx, evt.RoomID),
	}
	if addr.Mentioned {
		nm.Text = a.stripMention(nm.Text)
	}
	if cmd := command(nm.Text); cmd != "" {
		nm.Metadata[platform.MetaCommand] = cmd
	}

	forward := a.opts.Gate.ShouldForward(serverName(evt.RoomID), roomID, nm.Text, addr)
	if media {
		// Only media the router will see is downloaded.
		nm.Attachments = []types.Attachment{a.attachment(ctx, content, forward)}
	}

	handler(ctx, platform.Event{
		Message:    nm,
		MessageID:  evt.ID.String(),
		SenderName: localpart(evt.Sender),
		IsBot:      content.MsgType == event.MsgNotice,
		Timestamp:  ts,
		Forward:    forward,
	})
}

func (a *Adapter) bodyText(content *event.MessageEventContent) string {
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		md, err := toMarkdown(content.FormattedBody)
		if err == nil && md != "" {
			return md
		}
		a.logger.Debug("formatted body conversion failed", "error", err)
	}
	if content.RelatesTo.GetReplyTo() != "" {
		return stripPlainFallback(content.Body)
	}
	return strings.TrimSpace(content.Body)
}

func (a *Adapter) mentioned(content *event.MessageEventContent, text string) bool {
	if content.Mentions != nil {
		for _, u := range content.Mentions.UserIDs {
			if u == a.userID {
				return true
			}
		}
	}
	return strings.Contains(text, a.userID.String())
}

// stripMention removes the bot's user id, or a markdown link to it, from
// text.
func (a *Adapter) stripMention(text string) string {
	uid := a.userID.String()
	link := "https://matrix.to/#/" + uid
	for {
		i := strings.Index(text, "("+link+")")
		if i < 0 {
			break
		}
		start := strings.LastIndex(text[:i], "[")
		if start < 0 {
			break
		}
		text = text[:start] + text[i+len(link)+2:]
	}
	text = strings.ReplaceAll(text, uid, "")
	text = strings.TrimLeft(strings.TrimSpace(text), ":,")
	return strings.TrimSpace(text)
}

// command recognises "!start", "!new" and "!status", the Matrix spelling of
// the bot commands.
func command(text string) string {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "!start":
		return "start"
	case "!new":
		return "new"
	case "!status":
		return "status"
	}
	return ""
}

// isDirect reports whether the room has exactly two joined members. The
// answer is cached per room.
func (a *Adapter) isDirect(ctx context.Context, roomID id.RoomID) bool {
	a.membersMu.Lock()
	direct, ok := a.direct[roomID]
	a.membersMu.Unlock()
	if ok {
		return direct
	}
	resp, err := a.client.JoinedMembers(ctx, roomID)
	if err != nil {
		a.logger.Debug("joined members lookup failed", "room", roomID.String(), "error", err)
		return false
	}
	direct = len(resp.Joined) == 2
	a.membersMu.Lock()
	a.direct[roomID] = direct
	a.membersMu.Unlock()
	return direct
}

func localpart(userID id.UserID) string {
	s := strings.TrimPrefix(userID.String(), "@")
	if i := strings.Index(s, ":"); i >= 0 {
		return s[:i]
	}
	return s
}

// serverName is the workspace a room belongs to for gating.
func serverName(roomID id.RoomID) string {
	s := roomID.String()
	if i := strings.Index(s, ":"); i >= 0 {
		return s[i+1:]
	}
	return ""
}

func (a *Adapter) attachment(ctx context.Context, content *event.MessageEventContent, download bool) types.Attachment {
	name := content.FileName
	if name == "" {
		name = content.Body
	}
	att := types.Attachment{Name: name, URL: string(content.URL)}
	if content.Info != nil {
		att.MimeType = content.Info.MimeType
	}
	if !download || a.opts.DownloadDir == "" || content.URL == "" {
		return att
	}
	if content.Info != nil && int64(content.Info.Size) > a.maxDownload {
		a.logger.Warn("media too large, not downloading", "uri", content.URL, "size", content.Info.Size)
		return att
	}
	uri, err := content.URL.Parse()
	if err != nil {
		a.logger.Warn("bad media uri", "uri", content.URL, "error", err)
		return att
	}
	path, err := a.download(ctx, uri, filepath.Base(name))
	if err != nil {
		a.logger.Warn("download media failed", "uri", content.URL, "error", err)
		return att
	}
	att.Path = path
	return att
}

// download streams uri into DownloadDir, giving up past maxDownload bytes.
func (a *Adapter) download(ctx context.Context, uri id.ContentURI, name string) (string, error) {
	resp, err := a.client.Download(ctx, uri)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(a.opts.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	path := filepath.Join(a.opts.DownloadDir, uri.FileID+"-"+name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, a.maxDownload+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > a.maxDownload {
		err = fmt.Errorf("media exceeds %d bytes", a.maxDownload)
	}
	if err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

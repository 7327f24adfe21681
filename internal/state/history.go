package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/gopherbridge/internal/types"
)

const (
	DefaultHistoryCapacity = 50
	DefaultPreloadLimit    = 5
	DefaultRetention       = 24 * time.Hour
)

// HistoryOptions tunes a ChannelHistory. Zero values select the defaults.
type HistoryOptions struct {
	Capacity     int
	PreloadLimit int
	Retention    time.Duration
}

func (o *HistoryOptions) withDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = DefaultHistoryCapacity
	}
	if o.PreloadLimit <= 0 {
		o.PreloadLimit = DefaultPreloadLimit
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
}

// ChannelHistory keeps the ambient conversation of each channel: every
// observed message, addressed to the agent or not. Writes go through to
// SQLite and to a bounded in-memory ring per channel.
type ChannelHistory struct {
	db     *sql.DB
	opts   HistoryOptions
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	channels map[string][]types.ChannelHistoryEntry
}

// NewChannelHistory creates the buffer and preloads the most recent
// PreloadLimit entries of every channel still inside the retention window.
// A nil db yields a memory-only buffer.
func NewChannelHistory(ctx context.Context, db *sql.DB, opts HistoryOptions) (*ChannelHistory, error) {
	opts.withDefaults()
	h := &ChannelHistory{
		db:       db,
		opts:     opts,
		logger:   slog.Default().With("component", "history"),
		now:      time.Now,
		channels: make(map[string][]types.ChannelHistoryEntry),
	}
	if db == nil {
		return h, nil
	}
	if err := h.preload(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *ChannelHistory) preload(ctx context.Context) error {
	cutoff := h.now().Add(-h.opts.Retention).UnixMilli()
	rows, err := h.db.QueryContext(ctx, `
		SELECT channel_id, message_id, sender, user_id, body, timestamp, is_bot FROM (
			SELECT m.*, ROW_NUMBER() OVER (
				PARTITION BY m.channel_id ORDER BY m.timestamp DESC, m.rowid DESC
			) AS rn
			FROM channel_messages m
			WHERE m.timestamp >= ?
		)
		WHERE rn <= ?
		ORDER BY channel_id, timestamp ASC`,
		cutoff, h.opts.PreloadLimit,
	)
	if err != nil {
		return fmt.Errorf("preload channel history: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			channelID string
			entry     types.ChannelHistoryEntry
			ts        int64
			isBot     int
		)
		if err := rows.Scan(&channelID, &entry.MessageID, &entry.Sender, &entry.UserID, &entry.Body, &ts, &isBot); err != nil {
			return fmt.Errorf("scan channel history: %w", err)
		}
		entry.Timestamp = time.UnixMilli(ts)
		entry.IsBot = isBot != 0
		h.channels[channelID] = append(h.channels[channelID], entry)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("preload channel history: %w", err)
	}

	h.logger.Info("channel history preloaded", "channels", len(h.channels), "entries", count)
	return nil
}

// Record stores an entry. Re-recording a message id replaces the previous
// entry in place. The in-memory ring is updated even when the database
// write fails; the write error is returned.
func (h *ChannelHistory) Record(ctx context.Context, channelID string, entry types.ChannelHistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = h.now()
	}

	h.mu.Lock()
	ring := h.channels[channelID]
	replaced := false
	for i := range ring {
		if ring[i].MessageID == entry.MessageID {
			ring[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		ring = append(ring, entry)
		if len(ring) > h.opts.Capacity {
			ring = append([]types.ChannelHistoryEntry(nil), ring[len(ring)-h.opts.Capacity:]...)
		}
	}
	h.channels[channelID] = ring
	h.mu.Unlock()

	if h.db == nil {
		return nil
	}
	isBot := 0
	if entry.IsBot {
		isBot = 1
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO channel_messages
			(channel_id, message_id, sender, user_id, body, timestamp, is_bot)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		channelID, entry.MessageID, entry.Sender, entry.UserID, entry.Body,
		entry.Timestamp.UnixMilli(), isBot,
	)
	if err != nil {
		return fmt.Errorf("record channel message: %w", err)
	}
	return nil
}

// UpdateSender rewrites the display name of an already recorded message,
// for platforms that resolve names after the message arrives.
func (h *ChannelHistory) UpdateSender(ctx context.Context, channelID, messageID, sender string) error {
	h.mu.Lock()
	ring := h.channels[channelID]
	for i := range ring {
		if ring[i].MessageID == messageID {
			ring[i].Sender = sender
			break
		}
	}
	h.mu.Unlock()

	if h.db == nil {
		return nil
	}
	if _, err := h.db.ExecContext(ctx,
		`UPDATE channel_messages SET sender = ? WHERE channel_id = ? AND message_id = ?`,
		sender, channelID, messageID,
	); err != nil {
		return fmt.Errorf("update sender: %w", err)
	}
	return nil
}

// GetHistory returns a copy of the channel's buffered entries, oldest first.
func (h *ChannelHistory) GetHistory(channelID string) []types.ChannelHistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.channels[channelID]
	out := make([]types.ChannelHistoryEntry, len(ring))
	copy(out, ring)
	return out
}

// GetRecentHistory returns the entries recorded after sinceMessageID. An
// empty or unknown id returns the whole buffer.
func (h *ChannelHistory) GetRecentHistory(channelID, sinceMessageID string) []types.ChannelHistoryEntry {
	all := h.GetHistory(channelID)
	if sinceMessageID == "" {
		return all
	}
	for i, entry := range all {
		if entry.MessageID == sinceMessageID {
			return all[i+1:]
		}
	}
	return all
}

// FormatForContext renders the buffer as one "[HH:MM] sender: body" line per
// entry, or "" for an empty channel.
func (h *ChannelHistory) FormatForContext(channelID string) string {
	entries := h.GetHistory(channelID)
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		sender := e.Sender
		if sender == "" {
			sender = e.UserID
		}
		if e.IsBot {
			sender += " (bot)"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp.Format("15:04"), sender, e.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Sweep drops entries older than the retention window from storage and
// memory and returns the number of rows deleted from storage.
func (h *ChannelHistory) Sweep(ctx context.Context) (int64, error) {
	cutoff := h.now().Add(-h.opts.Retention)

	h.mu.Lock()
	for channelID, ring := range h.channels {
		kept := ring[:0]
		for _, e := range ring {
			if !e.Timestamp.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(h.channels, channelID)
		} else {
			h.channels[channelID] = kept
		}
	}
	h.mu.Unlock()

	if h.db == nil {
		return 0, nil
	}
	res, err := h.db.ExecContext(ctx, `DELETE FROM channel_messages WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweep channel history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep channel history: %w", err)
	}
	if n > 0 {
		h.logger.Info("swept channel history", "deleted", n)
	}
	return n, nil
}

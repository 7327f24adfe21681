package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/user/gopherbridge/internal/types"
)

const (
	DefaultMaxTurns = 10

	// NewConversation is rendered in place of an empty transcript.
	NewConversation = "New conversation"

	promptBotLimit = 500
)

// SessionStore is a SQLite-backed store of per-conversation sessions, keyed
// uniquely by (source, channel_id).
type SessionStore struct {
	db       *sql.DB
	maxTurns int
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	now   func() time.Time
}

// NewSessionStore creates a store over an open database. maxTurns <= 0
// selects DefaultMaxTurns.
func NewSessionStore(db *sql.DB, maxTurns int) *SessionStore {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &SessionStore{
		db:       db,
		maxTurns: maxTurns,
		logger:   slog.Default().With("component", "sessions"),
		locks:    make(map[types.SessionID]*sync.Mutex),
		now:      time.Now,
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (s *SessionStore) getLock(id types.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *SessionStore) dropLock(id types.SessionID) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

const sessionColumns = `id, source, channel_id, user_id, context, created_at, last_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.Session, error) {
	var (
		sess              types.Session
		id, raw           string
		created, lastSeen int64
	)
	if err := row.Scan(&id, &sess.Source, &sess.ChannelID, &sess.UserID, &raw, &created, &lastSeen); err != nil {
		return nil, err
	}
	sess.ID = types.SessionID(id)
	sess.CreatedAt = time.UnixMilli(created)
	sess.LastActive = time.UnixMilli(lastSeen)
	if err := json.Unmarshal([]byte(raw), &sess.Turns); err != nil {
		return nil, fmt.Errorf("decode context for session %s: %w", id, err)
	}
	if sess.Turns == nil {
		sess.Turns = []types.ConversationTurn{}
	}
	return &sess, nil
}

// GetOrCreate returns the session for (source, channelID), creating it on
// first use. Concurrent callers for the same key always observe the same id.
func (s *SessionStore) GetOrCreate(ctx context.Context, source, channelID, userID string) (*types.Session, error) {
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, source, channel_id, user_id, context, created_at, last_active)
		VALUES (?, ?, ?, ?, '[]', ?, ?)
		ON CONFLICT(source, channel_id) DO NOTHING`,
		string(types.NewSessionID()), source, channelID, userID, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE source = ? AND channel_id = ?`,
		source, channelID,
	)
	sess, err := scanSession(row)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// GetByID returns the session with the given id, or ErrNotFound.
func (s *SessionStore) GetByID(ctx context.Context, id types.SessionID) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, string(id))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// UpdateSession appends a turn, evicting the oldest turns beyond maxTurns,
// and bumps last_active. It reports false when the session does not exist
// or the write fails; it never panics or returns an error.
func (s *SessionStore) UpdateSession(ctx context.Context, id types.SessionID, userText, botText string) bool {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("begin update", "session_id", id, "error", err)
		return false
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT context FROM sessions WHERE id = ?`, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		s.logger.Error("read context", "session_id", id, "error", err)
		return false
	}

	var turns []types.ConversationTurn
	if err := json.Unmarshal([]byte(raw), &turns); err != nil {
		s.logger.Warn("discarding unreadable context", "session_id", id, "error", err)
		turns = nil
	}
	turns = append(turns, types.ConversationTurn{User: userText, Bot: botText})
	if len(turns) > s.maxTurns {
		turns = turns[len(turns)-s.maxTurns:]
	}

	encoded, err := json.Marshal(turns)
	if err != nil {
		s.logger.Error("encode context", "session_id", id, "error", err)
		return false
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET context = ?, last_active = ? WHERE id = ?`,
		string(encoded), s.now().UnixMilli(), string(id),
	); err != nil {
		s.logger.Error("write context", "session_id", id, "error", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		s.logger.Error("commit update", "session_id", id, "error", err)
		return false
	}
	return true
}

// GetHistory returns the stored turns, oldest first. Unknown ids yield an
// empty slice.
func (s *SessionStore) GetHistory(ctx context.Context, id types.SessionID) []types.ConversationTurn {
	sess, err := s.GetByID(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("get history", "session_id", id, "error", err)
		}
		return []types.ConversationTurn{}
	}
	return sess.Turns
}

// ClearContext empties the turns but keeps the session row.
func (s *SessionStore) ClearContext(ctx context.Context, id types.SessionID) bool {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET context = '[]', last_active = ? WHERE id = ?`,
		s.now().UnixMilli(), string(id),
	)
	return affected(res, err, s.logger, "clear context", id)
}

// DeleteSession removes the session row.
func (s *SessionStore) DeleteSession(ctx context.Context, id types.SessionID) bool {
	lock := s.getLock(id)
	lock.Lock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, string(id))
	lock.Unlock()
	s.dropLock(id)
	return affected(res, err, s.logger, "delete session", id)
}

func affected(res sql.Result, err error, logger *slog.Logger, op string, id types.SessionID) bool {
	if err != nil {
		logger.Error(op, "session_id", id, "error", err)
		return false
	}
	n, err := res.RowsAffected()
	if err != nil {
		logger.Error(op, "session_id", id, "error", err)
		return false
	}
	return n > 0
}

// ListSessions returns sessions for source, or all sessions when source is
// empty, most recently active first.
func (s *SessionStore) ListSessions(ctx context.Context, source string) ([]*types.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY last_active DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// CleanupInactiveSessions deletes sessions idle for longer than maxAge and
// returns how many were removed.
func (s *SessionStore) CleanupInactiveSessions(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `DELETE FROM sessions WHERE last_active < ? RETURNING id`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return n, fmt.Errorf("cleanup sessions: %w", err)
		}
		s.dropLock(types.SessionID(id))
		n++
	}
	if err := rows.Err(); err != nil {
		return n, fmt.Errorf("cleanup sessions: %w", err)
	}
	if n > 0 {
		s.logger.Info("removed inactive sessions", "count", n, "max_age", maxAge)
	}
	return n, nil
}

// FormatContextForPrompt renders the transcript as alternating User: and
// Assistant: lines. Long bot replies are shortened here only; storage keeps
// the full text.
func (s *SessionStore) FormatContextForPrompt(ctx context.Context, id types.SessionID) string {
	turns := s.GetHistory(ctx, id)
	if len(turns) == 0 {
		return NewConversation
	}
	var b strings.Builder
	for i, turn := range turns {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("User: ")
		b.WriteString(turn.User)
		b.WriteString("\nAssistant: ")
		b.WriteString(truncateRunes(turn.Bot, promptBotLimit))
	}
	return b.String()
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

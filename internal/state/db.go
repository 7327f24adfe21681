package state

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session or task lookup misses.
var ErrNotFound = errors.New("not found")

const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		source      TEXT NOT NULL,
		channel_id  TEXT NOT NULL,
		user_id     TEXT NOT NULL DEFAULT '',
		context     TEXT NOT NULL DEFAULT '[]',
		created_at  INTEGER NOT NULL,
		last_active INTEGER NOT NULL,

		UNIQUE(source, channel_id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);

	CREATE TABLE IF NOT EXISTS channel_messages (
		channel_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		sender     TEXT NOT NULL,
		user_id    TEXT NOT NULL DEFAULT '',
		body       TEXT NOT NULL,
		timestamp  INTEGER NOT NULL,
		is_bot     INTEGER NOT NULL DEFAULT 0,

		PRIMARY KEY (channel_id, message_id)
	);

	CREATE INDEX IF NOT EXISTS idx_channel_messages_channel_ts
		ON channel_messages(channel_id, timestamp);

	CREATE TABLE IF NOT EXISTS tasks (
		name       TEXT PRIMARY KEY,
		prompt     TEXT NOT NULL,
		schedule   TEXT NOT NULL DEFAULT '',
		source     TEXT NOT NULL,
		channel_id TEXT NOT NULL,
		enabled    INTEGER NOT NULL DEFAULT 1
	);
`

// Open opens (creating if needed) the session database at path. The handle
// is opened once per process and shared by every store.
func Open(path string) (*sql.DB, error) {
	logger := slog.Default().With("component", "state")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// busy_timeout applies per connection, so it goes in the DSN rather than
	// a one-off PRAGMA.
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.Info("session database ready", "path", path)
	return db, nil
}

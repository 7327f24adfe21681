// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
	"time"
)

type SessionStore interface {
	GetOrCreate(ctx context.Context, source, channelID, userID string) (*Session, error)
	GetByID(ctx context.Context, id SessionID) (*Session, error)
	UpdateSession(ctx context.Context, id SessionID, userText, botText string) bool
	GetHistory(ctx context.Context, id SessionID) []ConversationTurn
	ClearContext(ctx context.Context, id SessionID) bool
	DeleteSession(ctx context.Context, id SessionID) bool
	ListSessions(ctx context.Context, source string) ([]*Session, error)
	CleanupInactiveSessions(ctx context.Context, maxAge time.Duration) (int64, error)
	FormatContextForPrompt(ctx context.Context, id SessionID) string
}

type ChannelHistory interface {
	Record(ctx context.Context, channelID string, entry ChannelHistoryEntry) error
	UpdateSender(ctx context.Context, channelID, messageID, sender string) error
	GetHistory(channelID string) []ChannelHistoryEntry
	GetRecentHistory(channelID, sinceMessageID string) []ChannelHistoryEntry
	FormatForContext(channelID string) string
}

// ToolObserver receives tool activity from a streaming backend run. Calls
// for a single run are made sequentially from the run's goroutine.
type ToolObserver interface {
	OnToolUse(name string, input json.RawMessage)
	OnToolComplete(name string, isError bool)
}

type Backend interface {
	Run(ctx context.Context, prompt string, opts RunOptions) (*RunResult, error)
	RunStream(ctx context.Context, prompt string, opts RunOptions, observer ToolObserver) (*RunResult, error)
}

// MemorySource is the external decision-memory collaborator.
type MemorySource interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
	LoadCheckpoint(ctx context.Context) (*Checkpoint, error)
	ListDecisions(ctx context.Context, limit int) ([]Decision, error)
}

// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// Attachment is a file carried alongside a message, either inbound from a
// platform or outbound to one.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Path     string `json:"path,omitempty"`
	Data     []byte `json:"-"`
}

// IsImage reports whether the attachment should be sent as a photo.
func (a Attachment) IsImage() bool {
	return len(a.MimeType) > 6 && a.MimeType[:6] == "image/"
}

// NormalizedMessage is the platform-independent form of an inbound message.
// It lives only for the duration of a single dispatch.
type NormalizedMessage struct {
	Source      string            `json:"source"`
	ChannelID   string            `json:"channel_id"`
	UserID      string            `json:"user_id"`
	Text        string            `json:"text"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ConversationTurn is one user message and the bot's reply to it.
type ConversationTurn struct {
	User string `json:"user"`
	Bot  string `json:"bot"`
}

// Session is the durable per-conversation row.
type Session struct {
	ID         SessionID          `json:"id"`
	Source     string             `json:"source"`
	ChannelID  string             `json:"channel_id"`
	UserID     string             `json:"user_id"`
	Turns      []ConversationTurn `json:"turns"`
	CreatedAt  time.Time          `json:"created_at"`
	LastActive time.Time          `json:"last_active"`
}

// ChannelHistoryEntry is an ambient message observed in a channel, whether
// or not it was addressed to the agent.
type ChannelHistoryEntry struct {
	MessageID string    `json:"message_id"`
	Sender    string    `json:"sender"`
	UserID    string    `json:"user_id"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	IsBot     bool      `json:"is_bot"`
}

// RunOptions are passed to the backend alongside the prompt.
type RunOptions struct {
	SessionID     SessionID
	UserID        string
	Source        string
	ChannelID     string
	SystemPrompt  string
	ResumeSession bool
}

// Usage tracks token consumption for a backend run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// RunResult is what the backend returns for a completed run.
type RunResult struct {
	Response string `json:"response"`
	Turns    int    `json:"turns"`
	Usage    Usage  `json:"usage"`
}

// ProcessResult is returned by the router for a single inbound message.
type ProcessResult struct {
	Response          string        `json:"response"`
	SessionID         SessionID     `json:"session_id"`
	Duration          time.Duration `json:"duration"`
	InjectedDecisions []string      `json:"injected_decisions,omitempty"`
}

// SearchResult is one hit from the memory collaborator.
type SearchResult struct {
	ID         string  `json:"id"`
	Topic      string  `json:"topic,omitempty"`
	Decision   string  `json:"decision,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Outcome    string  `json:"outcome,omitempty"`
	Similarity float64 `json:"similarity"`
}

// Decision is a recorded decision listed by the memory collaborator.
type Decision struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic,omitempty"`
	Decision  string    `json:"decision"`
	Outcome   string    `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Checkpoint is the memory collaborator's last saved working state.
type Checkpoint struct {
	Summary   string          `json:"summary"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type SessionKey string
type SessionID string
type RunID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

// NewSessionKey joins parts with ":". Lanes and sessions are keyed by
// source and channel, e.g. "telegram:-100123".
func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}

// Key returns the lane key for a normalized message.
func (m *NormalizedMessage) Key() SessionKey {
	return NewSessionKey(m.Source, m.ChannelID)
}

// Package platform defines the contract every chat gateway implements and the
// pieces adapters share: response gating, the placeholder edit throttle and
// reply splitting.
package platform

import (
	"context"
	"errors"
	"time"

	"github.com/user/gopherbridge/internal/types"
)

// ErrUnauthorized is wrapped by Connect when the platform rejects the
// configured credentials. Retrying will not help.
var ErrUnauthorized = errors.New("platform rejected credentials")

// Handle identifies a message the adapter posted and may later edit or
// delete.
type Handle struct {
	ChannelID string
	MessageID string
}

// IsZero reports whether the handle refers to nothing.
func (h Handle) IsZero() bool { return h.MessageID == "" }

// Event is emitted for every message an adapter observes. Forward records
// the gating decision: only forwarded events reach the router, but all of
// them feed the channel history.
type Event struct {
	Message    types.NormalizedMessage
	MessageID  string
	SenderName string
	IsBot      bool
	Timestamp  time.Time
	Forward    bool
}

// MetaCommand is the NormalizedMessage metadata key adapters set when a
// message is a bot command ("start", "new", "status").
const MetaCommand = "command"

// Handler receives adapter events.
type Handler func(ctx context.Context, ev Event)

// Adapter is a chat platform connection. Connect and Disconnect are
// idempotent.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// MaxMessageLength is the platform's per-message limit in characters.
	MaxMessageLength() int

	SendMessage(ctx context.Context, channelID, text string) error
	SendFile(ctx context.Context, channelID string, file types.Attachment) error

	PostPlaceholder(ctx context.Context, channelID, text string) (Handle, error)
	EditPlaceholder(ctx context.Context, h Handle, text string) error
	DeletePlaceholder(ctx context.Context, h Handle) error

	OnEvent(h Handler)
}

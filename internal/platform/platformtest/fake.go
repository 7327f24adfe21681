// Package platformtest provides an in-memory platform.Adapter for tests.
package platformtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/user/gopherbridge/internal/platform"
	"github.com/user/gopherbridge/internal/types"
)

// Sent is one outbound message recorded by the fake.
type Sent struct {
	ChannelID string
	Text      string
}

// Adapter records every outbound call. Set Fail to make sends and edits
// return an error, and ConnectErr to make Connect fail.
type Adapter struct {
	AdapterName string
	Limit       int
	Fail        bool
	ConnectErr  error

	mu          sync.Mutex
	connected   bool
	connects    int
	attempts    int
	handler     platform.Handler
	nextID      int
	Messages    []Sent
	Files       []types.Attachment
	Placeholder map[string]string
	Edits       []Sent
	Deleted     []string
}

// New creates a fake adapter named name with the given message limit.
func New(name string, limit int) *Adapter {
	return &Adapter{AdapterName: name, Limit: limit, Placeholder: make(map[string]string)}
}

var errFake = errors.New("platformtest: send failed")

func (a *Adapter) Name() string          { return a.AdapterName }
func (a *Adapter) MaxMessageLength() int { return a.Limit }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attempts++
	if a.ConnectErr != nil {
		return a.ConnectErr
	}
	if !a.connected {
		a.connects++
	}
	a.connected = true
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	return nil
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connects returns how many times the adapter went from disconnected to
// connected.
func (a *Adapter) Connects() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connects
}

// ConnectAttempts counts every Connect call, failed ones included.
func (a *Adapter) ConnectAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Fail {
		return errFake
	}
	a.Messages = append(a.Messages, Sent{ChannelID: channelID, Text: text})
	return nil
}

func (a *Adapter) SendFile(ctx context.Context, channelID string, file types.Attachment) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Fail {
		return errFake
	}
	a.Files = append(a.Files, file)
	return nil
}

func (a *Adapter) PostPlaceholder(ctx context.Context, channelID, text string) (platform.Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Fail {
		return platform.Handle{}, errFake
	}
	a.nextID++
	h := platform.Handle{ChannelID: channelID, MessageID: fmt.Sprintf("ph-%d", a.nextID)}
	a.Placeholder[h.MessageID] = text
	return h, nil
}

func (a *Adapter) EditPlaceholder(ctx context.Context, h platform.Handle, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Fail {
		return errFake
	}
	a.Placeholder[h.MessageID] = text
	a.Edits = append(a.Edits, Sent{ChannelID: h.ChannelID, Text: text})
	return nil
}

func (a *Adapter) DeletePlaceholder(ctx context.Context, h platform.Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.Placeholder, h.MessageID)
	a.Deleted = append(a.Deleted, h.MessageID)
	return nil
}

func (a *Adapter) OnEvent(h platform.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

// Emit delivers ev to the registered handler synchronously.
func (a *Adapter) Emit(ctx context.Context, ev platform.Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ctx, ev)
	}
}

// SentMessages returns a copy of the recorded messages.
func (a *Adapter) SentMessages() []Sent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Sent(nil), a.Messages...)
}

// DeletedHandles returns a copy of the deleted placeholder ids.
func (a *Adapter) DeletedHandles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.Deleted...)
}

var _ platform.Adapter = (*Adapter)(nil)

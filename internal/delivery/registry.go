// internal/delivery/registry.go
package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/user/gopherbridge/internal/platform"
	"github.com/user/gopherbridge/internal/types"
)

// Registry routes outbound messages to the adapter that owns a source
// (e.g. "telegram", "matrix").
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]platform.Adapter
}

// NewRegistry creates an empty delivery registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]platform.Adapter),
	}
}

// Register adds an adapter under its Name, replacing any previous one.
func (r *Registry) Register(adapter platform.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Name()] = adapter
}

// Get returns the adapter registered for source.
func (r *Registry) Get(source string) (platform.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[source]
	return a, ok
}

// Adapters returns every registered adapter ordered by name.
func (r *Registry) Adapters() []platform.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]platform.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Deliver sends text to channelID on source's adapter, split into chunks
// that fit the platform's message limit. Delivery stops at the first
// failed chunk.
func (r *Registry) Deliver(ctx context.Context, source, channelID, text string) error {
	adapter, ok := r.Get(source)
	if !ok {
		return fmt.Errorf("no delivery adapter for source: %s", source)
	}
	for _, chunk := range platform.Split(adapter, text) {
		if err := adapter.SendMessage(ctx, channelID, chunk); err != nil {
			return fmt.Errorf("deliver to %s:%s: %w", source, channelID, err)
		}
	}
	return nil
}

// DeliverFile sends an attachment to channelID on source's adapter.
func (r *Registry) DeliverFile(ctx context.Context, source, channelID string, file types.Attachment) error {
	adapter, ok := r.Get(source)
	if !ok {
		return fmt.Errorf("no delivery adapter for source: %s", source)
	}
	if err := adapter.SendFile(ctx, channelID, file); err != nil {
		return fmt.Errorf("deliver file to %s:%s: %w", source, channelID, err)
	}
	return nil
}

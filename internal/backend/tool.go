package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/user/gopherbridge/pkg/llm"
)

const truncatedMarker = "\n[output truncated]"

// Tool is a local capability the model can call by name.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// Registry is the set of tools offered to the model. It is safe for
// concurrent use; runs on different lanes share one registry.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	maxOutput int
}

// NewRegistry returns an empty registry that caps tool output at
// maxToolOutput runes.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool), maxOutput: maxToolOutput}
}

// Register adds t. Two tools may not share a name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		panic(fmt.Sprintf("backend: tool %q registered twice", t.Name()))
	}
	r.tools[t.Name()] = t
}

func (r *Registry) lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Definitions describes every tool in the provider's function-call format,
// ordered by name so requests are stable across runs.
func (r *Registry) Definitions() []llm.Tool {
	names := r.Names()
	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		t, ok := r.lookup(name)
		if !ok {
			continue
		}
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        name,
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return out
}

// Call runs the tool named by tc and returns the text handed back to the
// model. failed reports an unknown tool or an execution error; in both
// cases the text describes the problem so the model can recover.
func (r *Registry) Call(ctx context.Context, tc llm.ToolCall) (result string, failed bool) {
	t, ok := r.lookup(tc.Function.Name)
	if !ok {
		return fmt.Sprintf("error: unknown tool %q", tc.Function.Name), true
	}
	out, err := t.Execute(ctx, tc.Function.Arguments)
	if err != nil {
		return fmt.Sprintf("error: %v", err), true
	}
	return truncateRunes(out, r.maxOutput), false
}

// truncateRunes shortens s to at most limit runes, never splitting a
// multi-byte sequence, and marks the cut.
func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + truncatedMarker
		}
		n++
	}
	return s
}

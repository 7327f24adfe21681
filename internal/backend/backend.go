// Package backend is the reasoning backend: an agent loop over an
// OpenAI-compatible model with local tools. It keeps the model-level
// transcript of each session in memory so resumed turns can continue it.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	ctxengine "github.com/user/gopherbridge/internal/context"
	"github.com/user/gopherbridge/internal/types"
	"github.com/user/gopherbridge/pkg/llm"
)

const (
	DefaultMaxRounds     = 10
	maxToolOutput        = 16000
	maxTranscriptMessage = 60
)

// Backend implements types.Backend.
type Backend struct {
	provider  llm.Provider
	engine    *ctxengine.Engine
	registry  *Registry
	maxRounds int
	logger    *slog.Logger

	mu          sync.Mutex
	transcripts map[types.SessionID][]llm.Message
}

var _ types.Backend = (*Backend)(nil)

// New creates a Backend with the given dependencies.
func New(provider llm.Provider, engine *ctxengine.Engine, registry *Registry, maxRounds int) *Backend {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Backend{
		provider:    provider,
		engine:      engine,
		registry:    registry,
		maxRounds:   maxRounds,
		logger:      slog.Default().With("component", "backend"),
		transcripts: make(map[types.SessionID][]llm.Message),
	}
}

// ToolNames lists the tools offered to the model.
func (b *Backend) ToolNames() []string {
	return b.registry.Names()
}

// Run executes one request without progress callbacks.
func (b *Backend) Run(ctx context.Context, prompt string, opts types.RunOptions) (*types.RunResult, error) {
	return b.RunStream(ctx, prompt, opts, nil)
}

// RunStream executes the agentic turn loop for a single request, reporting
// each tool call to observer. The session transcript is only extended when
// the request succeeds.
func (b *Backend) RunStream(ctx context.Context, prompt string, opts types.RunOptions, observer types.ToolObserver) (*types.RunResult, error) {
	var history []llm.Message
	if opts.ResumeSession {
		history = b.transcript(opts.SessionID)
	}

	system := llm.Message{Role: "system", Content: opts.SystemPrompt}
	turn := []llm.Message{{Role: "user", Content: prompt}}
	var usage types.Usage

	for round := 0; round < b.maxRounds; round++ {
		messages := make([]llm.Message, 0, 1+len(history)+len(turn))
		messages = append(messages, system)
		messages = append(messages, history...)
		messages = append(messages, turn...)
		messages = b.engine.Fit(ctx, messages)

		resp, err := b.complete(ctx, messages, observer != nil)
		if err != nil {
			return nil, fmt.Errorf("LLM call: %w", err)
		}
		usage.InputTokens += resp.Usage.InputTokens
		usage.OutputTokens += resp.Usage.OutputTokens

		if len(resp.ToolCalls) == 0 {
			turn = append(turn, llm.Message{Role: "assistant", Content: resp.Content})
			b.commit(opts.SessionID, history, turn)
			return &types.RunResult{Response: resp.Content, Turns: round + 1, Usage: usage}, nil
		}

		turn = append(turn, llm.Message{Role: "assistant", Content: resp.Content, Tools: resp.ToolCalls})
		for _, tc := range resp.ToolCalls {
			if observer != nil {
				observer.OnToolUse(tc.Function.Name, tc.Function.Arguments)
			}
			result, failed := b.execute(ctx, tc)
			if observer != nil {
				observer.OnToolComplete(tc.Function.Name, failed)
			}
			turn = append(turn, llm.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}

	b.logger.Warn("tool round limit reached", "session_id", opts.SessionID, "max_rounds", b.maxRounds)
	return nil, fmt.Errorf("max tool rounds (%d) exceeded", b.maxRounds)
}

func (b *Backend) complete(ctx context.Context, messages []llm.Message, stream bool) (*llm.Response, error) {
	tools := b.registry.Definitions()
	if !stream {
		return b.provider.Complete(ctx, messages, tools)
	}
	ch, err := b.provider.Stream(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	return llm.Collect(ch)
}

func (b *Backend) execute(ctx context.Context, tc llm.ToolCall) (string, bool) {
	result, failed := b.registry.Call(ctx, tc)
	if failed {
		b.logger.Debug("tool failed", "tool", tc.Function.Name, "result", result)
	}
	return result, failed
}

func (b *Backend) transcript(id types.SessionID) []llm.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]llm.Message(nil), b.transcripts[id]...)
}

func (b *Backend) commit(id types.SessionID, history, turn []llm.Message) {
	if id == "" {
		return
	}
	all := append(append([]llm.Message(nil), history...), turn...)
	if len(all) > maxTranscriptMessage {
		all = all[len(all)-maxTranscriptMessage:]
	}
	for len(all) > 0 && all[0].Role == "tool" {
		all = all[1:]
	}

	b.mu.Lock()
	b.transcripts[id] = all
	b.mu.Unlock()
}

// Forget drops the transcript of a session.
func (b *Backend) Forget(id types.SessionID) {
	b.mu.Lock()
	delete(b.transcripts, id)
	b.mu.Unlock()
}

// Package router turns one inbound message into one backend request: it
// resolves the session, builds the system prompt (memory and channel history
// for new sessions, the stored conversation for resumed ones), runs the
// backend and persists the turn.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ctxengine "github.com/user/gopherbridge/internal/context"
	"github.com/user/gopherbridge/internal/types"
)

const (
	DefaultSimilarityThreshold = 0.35
	DefaultMaxResults          = 5
	DefaultDecisionLimit       = 5
	DefaultMemoryTimeout       = 5 * time.Second
)

// Options tunes memory recall. Zero values select the defaults.
type Options struct {
	SimilarityThreshold float64
	MaxResults          int
	DecisionLimit       int
	MemoryTimeout       time.Duration
	Tools               []string
}

// Router implements the per-message pipeline.
type Router struct {
	sessions types.SessionStore
	history  types.ChannelHistory
	memory   types.MemorySource
	backend  types.Backend
	engine   *ctxengine.Engine
	opts     Options
	logger   *slog.Logger
}

// New creates a Router. history and memory may be nil.
func New(sessions types.SessionStore, history types.ChannelHistory, memory types.MemorySource,
	backend types.Backend, engine *ctxengine.Engine, opts Options) *Router {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.DecisionLimit <= 0 {
		opts.DecisionLimit = DefaultDecisionLimit
	}
	if opts.MemoryTimeout <= 0 {
		opts.MemoryTimeout = DefaultMemoryTimeout
	}
	return &Router{
		sessions: sessions,
		history:  history,
		memory:   memory,
		backend:  backend,
		engine:   engine,
		opts:     opts,
		logger:   slog.Default().With("component", "router"),
	}
}

// Process handles one message. observer may be nil. A backend failure is
// returned without touching the session.
func (r *Router) Process(ctx context.Context, msg types.NormalizedMessage, observer types.ToolObserver) (*types.ProcessResult, error) {
	start := time.Now()

	sess, err := r.sessions.GetOrCreate(ctx, msg.Source, msg.ChannelID, msg.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	isNew := len(sess.Turns) == 0

	data := ctxengine.PromptData{
		Source:    msg.Source,
		ChannelID: msg.ChannelID,
		Tools:     strings.Join(r.opts.Tools, ", "),
	}
	var injected []string
	if isNew {
		data.Memory, injected = r.recall(ctx, msg.Text)
		if r.history != nil {
			data.ChannelHistory = r.history.FormatForContext(msg.ChannelID)
		}
	} else {
		// The backend may still hold this session's transcript, in which case
		// the conversation appears twice. Replaying it is always safe; relying
		// on the backend's memory after a restart is not.
		data.Resumed = true
		data.Conversation = r.sessions.FormatContextForPrompt(ctx, sess.ID)
	}

	system, err := r.engine.SystemPrompt(data)
	if err != nil {
		return nil, err
	}

	opts := types.RunOptions{
		SessionID:     sess.ID,
		UserID:        msg.UserID,
		Source:        msg.Source,
		ChannelID:     msg.ChannelID,
		SystemPrompt:  system,
		ResumeSession: !isNew,
	}
	prompt := buildPrompt(msg)

	var res *types.RunResult
	if observer != nil {
		res, err = r.backend.RunStream(ctx, prompt, opts, observer)
	} else {
		res, err = r.backend.Run(ctx, prompt, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("backend: %w", err)
	}

	if !r.sessions.UpdateSession(ctx, sess.ID, msg.Text, res.Response) {
		r.logger.Warn("turn not persisted", "session_id", sess.ID)
	}

	duration := time.Since(start)
	r.logger.Info("message processed",
		"session_id", sess.ID,
		"source", msg.Source,
		"new_session", isNew,
		"injected", len(injected),
		"turns", res.Turns,
		"duration", duration,
	)
	return &types.ProcessResult{
		Response:          res.Response,
		SessionID:         sess.ID,
		Duration:          duration,
		InjectedDecisions: injected,
	}, nil
}

// recall gathers memory for a new session. Every failure degrades to less
// context; none is fatal.
func (r *Router) recall(ctx context.Context, text string) (string, []string) {
	if r.memory == nil {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.MemoryTimeout)
	defer cancel()

	var (
		results   []types.SearchResult
		decisions []types.Decision
		ids       []string
	)
	query := strings.TrimSpace(text)
	if query != "" {
		found, err := r.memory.Search(ctx, query, r.opts.MaxResults)
		if err != nil {
			r.logger.Warn("memory search failed", "error", err)
		}
		for _, res := range found {
			if res.Similarity < r.opts.SimilarityThreshold {
				continue
			}
			results = append(results, res)
			ids = append(ids, res.ID)
			if len(results) == r.opts.MaxResults {
				break
			}
		}
	} else {
		recent, err := r.memory.ListDecisions(ctx, r.opts.DecisionLimit)
		if err != nil {
			r.logger.Warn("list decisions failed", "error", err)
		}
		for _, d := range recent {
			decisions = append(decisions, d)
			ids = append(ids, d.ID)
		}
	}

	checkpoint, err := r.memory.LoadCheckpoint(ctx)
	if err != nil {
		r.logger.Warn("load checkpoint failed", "error", err)
		checkpoint = nil
	}

	return ctxengine.FormatMemory(results, checkpoint, decisions), ids
}

// buildPrompt appends attachment references to the message text.
func buildPrompt(msg types.NormalizedMessage) string {
	if len(msg.Attachments) == 0 {
		return msg.Text
	}
	var b strings.Builder
	b.WriteString(msg.Text)
	for _, a := range msg.Attachments {
		b.WriteString("\n\n[Attached: ")
		b.WriteString(a.Name)
		if a.MimeType != "" {
			b.WriteString(" (" + a.MimeType + ")")
		}
		switch {
		case a.Path != "":
			b.WriteString(" at " + a.Path)
		case a.URL != "":
			b.WriteString(" at " + a.URL)
		}
		b.WriteString("]")
	}
	return b.String()
}

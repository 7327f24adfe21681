// internal/context/engine.go
package context

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/gopherbridge/internal/types"
	"github.com/user/gopherbridge/pkg/llm"
)

const (
	DefaultMemoryBudget  = 1500
	DefaultHistoryBudget = 1000

	encodingLoadTimeout = 5 * time.Second
)

// Engine renders system prompts and keeps prompts inside the model's token
// budget.
type Engine struct {
	count         func(string) int
	maxTokens     int
	reserve       int
	memoryBudget  int
	historyBudget int
	promptPath    string
	tmpl          *template.Template
}

// Option configures an Engine.
type Option func(*Engine)

// WithCounter replaces the tokenizer.
func WithCounter(fn func(string) int) Option {
	return func(e *Engine) { e.count = fn }
}

// WithPromptFile loads the system prompt template from path instead of
// DefaultPrompt.
func WithPromptFile(path string) Option {
	return func(e *Engine) { e.promptPath = path }
}

// WithSectionBudgets caps the memory and channel-history sections.
func WithSectionBudgets(memory, history int) Option {
	return func(e *Engine) {
		if memory > 0 {
			e.memoryBudget = memory
		}
		if history > 0 {
			e.historyBudget = history
		}
	}
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int, opts ...Option) (*Engine, error) {
	e := &Engine{
		maxTokens:     maxTokens,
		reserve:       reserve,
		memoryBudget:  DefaultMemoryBudget,
		historyBudget: DefaultHistoryBudget,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.count == nil {
		e.count = loadCounter(model)
	}

	text := DefaultPrompt
	if e.promptPath != "" {
		data, err := os.ReadFile(e.promptPath)
		if err != nil {
			return nil, fmt.Errorf("read prompt file: %w", err)
		}
		text = string(data)
	}
	tmpl, err := template.New("system").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	e.tmpl = tmpl
	return e, nil
}

// loadCounter returns a tiktoken counter for model. The encoding may have to
// be downloaded; when that fails or stalls, a four-characters-per-token
// estimate is used instead.
func loadCounter(model string) func(string) int {
	type result struct {
		enc *tiktoken.Tiktoken
		err error
	}
	ch := make(chan result, 1)
	go func() {
		enc, err := tiktoken.EncodingForModel(model)
		if err != nil {
			// Fallback to cl100k_base for unknown models
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		ch <- result{enc, err}
	}()

	select {
	case r := <-ch:
		if r.err == nil {
			return func(s string) int { return len(r.enc.Encode(s, nil, nil)) }
		}
		slog.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", r.err)
	case <-time.After(encodingLoadTimeout):
		slog.Warn("tokenizer load timed out, estimating token counts", "model", model)
	}
	return estimateTokens
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	return e.count(text)
}

// PromptData feeds the system prompt template.
type PromptData struct {
	Time           string
	Source         string
	ChannelID      string
	Tools          string
	Memory         string
	ChannelHistory string
	Conversation   string
	Resumed        bool
}

// SystemPrompt renders the template. The memory and channel-history
// sections are trimmed to their budgets first.
func (e *Engine) SystemPrompt(data PromptData) (string, error) {
	if data.Time == "" {
		data.Time = time.Now().Format(time.RFC3339)
	}
	data.Memory = e.TrimToBudget(data.Memory, e.memoryBudget)
	data.ChannelHistory = e.TrimToBudget(data.ChannelHistory, e.historyBudget)

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// TrimToBudget keeps the most recent lines of text that fit in budget
// tokens.
func (e *Engine) TrimToBudget(text string, budget int) string {
	if text == "" || budget <= 0 || e.count(text) <= budget {
		return text
	}
	lines := strings.Split(text, "\n")
	used := 0
	start := len(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		n := e.count(lines[i]) + 1
		if used+n > budget {
			break
		}
		used += n
		start = i
	}
	return strings.Join(lines[start:], "\n")
}

// Fit drops the oldest non-system messages until the prompt fits the input
// budget. The system message and the final message always survive.
func (e *Engine) Fit(ctx context.Context, messages []llm.Message) []llm.Message {
	if len(messages) == 0 {
		return messages
	}
	inputBudget := e.maxTokens - e.reserve

	var system []llm.Message
	rest := messages
	if messages[0].Role == "system" {
		system = messages[:1]
		rest = messages[1:]
	}

	used := 0
	for _, m := range system {
		used += e.messageTokens(m)
	}

	keep := len(rest)
	for i := len(rest) - 1; i >= 0; i-- {
		n := e.messageTokens(rest[i])
		if used+n > inputBudget && i < len(rest)-1 {
			break
		}
		used += n
		keep = i
	}
	// A tool result without its assistant call is rejected by the API.
	for keep < len(rest) && rest[keep].Role == "tool" {
		keep++
	}

	out := make([]llm.Message, 0, len(system)+len(rest)-keep)
	out = append(out, system...)
	out = append(out, rest[keep:]...)
	return out
}

func (e *Engine) messageTokens(m llm.Message) int {
	n := e.count(m.Content)
	for _, tc := range m.Tools {
		n += e.count(tc.Function.Name)
		n += e.count(string(tc.Function.Arguments))
	}
	return n
}

// FormatMemory renders recalled decisions for the system prompt. Empty
// input renders as "".
func FormatMemory(results []types.SearchResult, checkpoint *types.Checkpoint, recent []types.Decision) string {
	var b strings.Builder
	if checkpoint != nil && checkpoint.Summary != "" {
		b.WriteString("Last checkpoint: ")
		b.WriteString(checkpoint.Summary)
		b.WriteString("\n")
	}
	if len(results) > 0 {
		b.WriteString("Relevant past decisions:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- [%s] %s", r.Topic, r.Decision)
			if r.Outcome != "" {
				fmt.Fprintf(&b, " (outcome: %s)", r.Outcome)
			}
			b.WriteString("\n")
		}
	}
	if len(recent) > 0 {
		b.WriteString("Recent decisions:\n")
		for _, d := range recent {
			fmt.Fprintf(&b, "- [%s] %s", d.Topic, d.Decision)
			if d.Outcome != "" {
				fmt.Fprintf(&b, " (outcome: %s)", d.Outcome)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

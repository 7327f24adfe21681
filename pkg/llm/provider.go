package llm

import (
	"context"
	"time"
)

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request formatting,
// authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error)

	// Stream sends a chat completion request and returns a channel of
	// incremental deltas. The channel is closed when the response ends; a
	// delta with Err set is always the last one.
	Stream(ctx context.Context, messages []Message, tools []Tool) (<-chan Delta, error)
}

// TokenSource supplies the bearer token for each request. It is consulted
// per call so rotated credentials take effect without a restart.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for a fixed API key.
type StaticToken string

func (s StaticToken) GetToken(context.Context) (string, error) { return string(s), nil }

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
	Tokens      TokenSource
}

// Collect drains a stream into a single Response.
func Collect(ch <-chan Delta) (*Response, error) {
	resp := &Response{}
	for d := range ch {
		if d.Err != nil {
			return nil, d.Err
		}
		resp.Content += d.Content
		resp.ToolCalls = append(resp.ToolCalls, d.ToolCalls...)
		if d.Usage != nil {
			resp.Usage = *d.Usage
		}
	}
	return resp, nil
}

package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/user/gopherbridge/pkg/llm"
)

// Client implements the llm.Provider interface for OpenAI-compatible APIs.
type Client struct {
	config     *llm.Config
	httpClient *http.Client
}

// New creates a new OpenAI-compatible client with the given configuration.
func New(config *llm.Config) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the completions endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

type chatRequest struct {
	Model         string           `json:"model"`
	Messages      []requestMessage `json:"messages"`
	Tools         []llm.Tool       `json:"tools,omitempty"`
	MaxTokens     int              `json:"max_tokens,omitempty"`
	Temperature   *float32         `json:"temperature,omitempty"`
	Stream        bool             `json:"stream,omitempty"`
	StreamOptions *streamOptions   `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type requestMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// wireToolCall carries arguments as a JSON-encoded string, as the API does.
type wireToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
	} `json:"choices"`
	Usage *responseUsage `json:"usage"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *responseUsage `json:"usage"`
}

type responseUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *responseUsage) toUsage() llm.Usage {
	return llm.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
}

func toWire(tc llm.ToolCall) wireToolCall {
	var w wireToolCall
	w.ID = tc.ID
	w.Type = tc.Type
	if w.Type == "" {
		w.Type = "function"
	}
	w.Function.Name = tc.Function.Name
	w.Function.Arguments = string(tc.Function.Arguments)
	if w.Function.Arguments == "" {
		w.Function.Arguments = "{}"
	}
	return w
}

func fromWire(w wireToolCall) llm.ToolCall {
	args := strings.TrimSpace(w.Function.Arguments)
	if args == "" {
		args = "{}"
	}
	return llm.ToolCall{
		ID:   w.ID,
		Type: "function",
		Function: llm.FunctionCall{
			Name:      w.Function.Name,
			Arguments: json.RawMessage(args),
		},
	}
}

func (c *Client) buildRequest(ctx context.Context, messages []llm.Message, tools []llm.Tool, stream bool) (*http.Request, error) {
	reqMessages := make([]requestMessage, len(messages))
	for i, msg := range messages {
		rm := requestMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.Tools {
			rm.ToolCalls = append(rm.ToolCalls, toWire(tc))
		}
		reqMessages[i] = rm
	}

	reqBody := chatRequest{
		Model:    c.config.Model,
		Messages: reqMessages,
		Tools:    tools,
	}
	if c.config.MaxTokens > 0 {
		reqBody.MaxTokens = c.config.MaxTokens
	}
	if c.config.Temperature != 0 {
		temp := c.config.Temperature
		reqBody.Temperature = &temp
	}
	if stream {
		reqBody.Stream = true
		reqBody.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	if c.config.Tokens != nil {
		token, err := c.config.Tokens.GetToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// Complete sends a chat completion request and returns the full response.
func (c *Client) Complete(ctx context.Context, messages []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	req, err := c.buildRequest(ctx, messages, tools, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}

	msg := chatResp.Choices[0].Message
	out := &llm.Response{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, fromWire(tc))
	}
	if chatResp.Usage != nil {
		out.Usage = chatResp.Usage.toUsage()
	}
	return out, nil
}

// Stream sends a streaming chat completion request. Content arrives as it
// is generated; tool calls are assembled from their fragments and delivered
// once the stream ends.
func (c *Client) Stream(ctx context.Context, messages []llm.Message, tools []llm.Tool) (<-chan llm.Delta, error) {
	req, err := c.buildRequest(ctx, messages, tools, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Delta, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		send := func(d llm.Delta) bool {
			select {
			case ch <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		calls := map[int]*wireToolCall{}
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				send(llm.Delta{Err: fmt.Errorf("parsing stream chunk: %w", err)})
				return
			}
			if chunk.Usage != nil {
				u := chunk.Usage.toUsage()
				if !send(llm.Delta{Usage: &u}) {
					return
				}
			}
			for _, choice := range chunk.Choices {
				for _, frag := range choice.Delta.ToolCalls {
					idx := 0
					if frag.Index != nil {
						idx = *frag.Index
					}
					acc, ok := calls[idx]
					if !ok {
						acc = &wireToolCall{}
						calls[idx] = acc
					}
					if frag.ID != "" {
						acc.ID = frag.ID
					}
					if frag.Function.Name != "" {
						acc.Function.Name = frag.Function.Name
					}
					acc.Function.Arguments += frag.Function.Arguments
				}
				if choice.Delta.Content != "" {
					if !send(llm.Delta{Content: choice.Delta.Content}) {
						return
					}
				}
			}
		}
		if err := scanner.Err(); err != nil {
			send(llm.Delta{Err: fmt.Errorf("reading stream: %w", err)})
			return
		}

		if len(calls) > 0 {
			indexes := make([]int, 0, len(calls))
			for idx := range calls {
				indexes = append(indexes, idx)
			}
			sort.Ints(indexes)
			var out []llm.ToolCall
			for _, idx := range indexes {
				out = append(out, fromWire(*calls[idx]))
			}
			send(llm.Delta{ToolCalls: out})
		}
	}()
	return ch, nil
}

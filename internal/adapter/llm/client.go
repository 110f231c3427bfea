// Package llm implements the execution engine port against an
// OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentry-io/agentry/internal/config"
	"github.com/agentry-io/agentry/internal/domain/agent"
	"github.com/agentry-io/agentry/internal/port/engine"
	"github.com/agentry-io/agentry/internal/resilience"
)

// Client executes agent tasks against an OpenAI-compatible API.
type Client struct {
	baseURL    string
	apiKey     string
	keySource  func() string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// New creates a new engine client. The HTTP client carries no timeout
// of its own: the worker's soft limit arrives through the context.
func New(cfg config.Engine) *Client {
	return &Client{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// SetKeySource makes the client read its API key through fn on every
// request, so a rotated key takes effect without a restart. An empty
// value from fn falls back to the configured key.
func (c *Client) SetKeySource(fn func() string) {
	c.keySource = fn
}

func (c *Client) authKey() string {
	if c.keySource != nil {
		if k := c.keySource(); k != "" {
			return k
		}
	}
	return c.apiKey
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Execute runs the task input through the agent's model. Failure comes
// back as a classified Result, never a panic.
func (c *Client) Execute(ctx context.Context, ag *agent.Agent, input map[string]any) engine.Result {
	prompt, err := renderPrompt(input)
	if err != nil {
		return engine.Result{Err: fmt.Sprintf("render prompt: %v", err), Kind: engine.ErrKindInternal}
	}

	messages := make([]chatMessage, 0, 2)
	if ag.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: ag.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: ag.Model, Messages: messages})
	if err != nil {
		return engine.Result{Err: fmt.Sprintf("marshal request: %v", err), Kind: engine.ErrKindInternal}
	}

	started := time.Now()
	data, err := c.doRequest(ctx, body)
	if err != nil {
		return classify(err)
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return engine.Result{Err: fmt.Sprintf("unmarshal response: %v", err), Kind: engine.ErrKindUpstream}
	}
	if len(resp.Choices) == 0 {
		return engine.Result{Err: "model returned no choices", Kind: engine.ErrKindUpstream}
	}

	return engine.Result{
		Success: true,
		Output: map[string]any{
			"content":       resp.Choices[0].Message.Content,
			"finish_reason": resp.Choices[0].FinishReason,
			"model":         ag.Model,
			"total_tokens":  resp.Usage.TotalTokens,
			"latency_ms":    time.Since(started).Milliseconds(),
		},
	}
}

// renderPrompt flattens the task input into the user message. A bare
// "prompt" key passes through untouched; anything else travels as JSON.
func renderPrompt(input map[string]any) (string, error) {
	if len(input) == 1 {
		if p, ok := input["prompt"].(string); ok {
			return p, nil
		}
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// statusError carries the upstream HTTP status for classification.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("engine API error %d: %s", e.status, e.body)
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	var result []byte
	call := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if key := c.authKey(); key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return &statusError{status: resp.StatusCode, body: string(data)}
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return result, nil
}

// classify maps a transport or upstream error to a Result kind so the
// worker can record the failure without parsing prose.
func classify(err error) engine.Result {
	res := engine.Result{Err: err.Error()}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		res.Kind = engine.ErrKindTimeout
	case errors.Is(err, context.Canceled):
		res.Kind = engine.ErrKindCanceled
	default:
		var se *statusError
		if errors.As(err, &se) {
			res.Kind = engine.ErrKindUpstream
		} else {
			res.Kind = engine.ErrKindInternal
		}
	}
	return res
}

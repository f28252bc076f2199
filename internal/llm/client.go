// Package llm provides a chat-completions client for OpenAI-compatible
// endpoints, with JSON-mode helpers and SSE streaming.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyResponse indicates the API returned no choices.
var ErrEmptyResponse = errors.New("llm: empty response")

// Client handles communication with a chat-completions API.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request represents the API request structure.
type Request struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Stream         bool            `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

// ResponseFormat selects structured output modes.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Response represents the API response structure.
type Response struct {
	ID      string   `json:"id"`
	Choices []Choice `json:"choices"`
}

// Choice represents a single completion choice.
type Choice struct {
	Delta        Delta  `json:"delta"`
	Message      Delta  `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Delta represents message content in both streaming and non-streaming replies.
type Delta struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// Option configures a request.
type Option func(*Request)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(r *Request) { r.Temperature = &t }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(r *Request) { r.MaxTokens = n }
}

// NewClient creates a new chat-completions client.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		maxRetries: 3,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Generate returns the completion text for the given messages.
func (c *Client) Generate(ctx context.Context, messages []Message, opts ...Option) (string, error) {
	req := &Request{Model: c.model, Messages: messages}
	for _, opt := range opts {
		opt(req)
	}
	resp, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	return contentOf(resp)
}

// GenerateJSON requests a JSON object completion and unmarshals it into dst.
// Endpoints without json_object support are retried in plain mode with the
// object extracted from the text.
func (c *Client) GenerateJSON(ctx context.Context, messages []Message, dst any, opts ...Option) error {
	req := &Request{
		Model:          c.model,
		Messages:       messages,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.complete(ctx, req)
	if err != nil {
		// some servers reject response_format entirely
		req.ResponseFormat = nil
		resp, err = c.complete(ctx, req)
		if err != nil {
			return err
		}
	}
	content, err := contentOf(resp)
	if err != nil {
		return err
	}
	payload, ok := ExtractJSONObject(content)
	if !ok {
		return fmt.Errorf("llm: no JSON object in response")
	}
	return json.Unmarshal([]byte(payload), dst)
}

// Stream starts a streaming completion and returns its SSE parser. The caller
// must call Close on the returned stream.
func (c *Client) Stream(ctx context.Context, messages []Message, opts ...Option) (*Stream, error) {
	req := &Request{Model: c.model, Messages: messages, Stream: true}
	for _, opt := range opts {
		opt(req)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpResp, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}
	return &Stream{parser: NewStreamParser(httpResp.Body), body: httpResp.Body}, nil
}

func (c *Client) complete(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpResp, err := c.send(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &resp, nil
}

// send posts the body with exponential backoff on transient failures.
func (c *Client) send(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	backoff := time.Second
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("llm: status %d: %s", resp.StatusCode, truncate(string(respBody), 300))
		// retry only on throttling and server errors
		if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode < 500 {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func contentOf(resp *Response) (string, error) {
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		content = resp.Choices[0].Delta.Content
	}
	return content, nil
}

// ExtractJSONObject pulls the first {...} object out of model output,
// stripping markdown code fences when present.
func ExtractJSONObject(content string) (string, bool) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return content[start : end+1], true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package llm talks to OpenRouter's chat completions API.
//
// OpenRouter provides a unified API for multiple LLM providers (OpenAI,
// Anthropic, Google, etc.) using a single API key. The request format
// follows the OpenAI chat completions standard.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	DefaultModel   = "openai/gpt-4o-mini"
)

var (
	ErrNotConfigured = errors.New("OpenRouter API key not configured; set OPENROUTER_API_KEY")
	ErrEmptyResponse = errors.New("empty response from model")
)

// StatusError is a non-2xx answer from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("OpenRouter returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether a failed call is worth repeating: transport
// errors, rate limiting and server errors are; other client errors are not.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotConfigured) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

// Completer is what the generation engine needs from a model.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

type Request struct {
	System      string
	User        string
	Temperature float64
	// Model overrides the client's default.
	Model string
	// JSON asks the provider for a JSON object response.
	JSON bool
}

type Response struct {
	Content string
	Model   string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Client is safe for concurrent use.
type Client struct {
	http  *resty.Client
	key   string
	model string
}

var _ Completer = (*Client)(nil)

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second // LLMs can be slow
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("HTTP-Referer", "https://github.com/Shimizu-Technology/study-pipeline-api").
		SetHeader("X-Title", "Study Pipeline API")
	if cfg.APIKey != "" {
		rc.SetAuthToken(cfg.APIKey)
	}
	return &Client{http: rc, key: cfg.APIKey, model: cfg.Model}
}

// --- OpenRouter API types ---

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Complete sends one chat completion.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.key == "" {
		return nil, ErrNotConfigured
	}
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: req.Temperature,
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var out chatResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return nil, fmt.Errorf("OpenRouter request failed: %w", err)
	}
	if resp.IsError() {
		return nil, &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 500)}
	}
	if out.Error != nil {
		// OpenRouter reports some upstream failures inside a 200.
		code := out.Error.Code
		if code == 0 {
			code = http.StatusBadGateway
		}
		return nil, &StatusError{Code: code, Body: out.Error.Message}
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return nil, ErrEmptyResponse
	}

	return &Response{Content: out.Choices[0].Message.Content, Model: out.Model, Usage: out.Usage}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

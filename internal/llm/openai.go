// Package llm talks to an OpenAI-compatible chat-completions endpoint with
// image inputs.
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

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
)

// ErrUnavailable covers transport failures and non-2xx answers.
var ErrUnavailable = errors.New("model unavailable")

// Request is one vision prompt.
type Request struct {
	System      string
	Prompt      string
	ImageURLs   []string
	Temperature float64
	JSONOutput  bool
}

// Response is the first choice returned by the model.
type Response struct {
	Content string
	Model   string
}

// Client calls the chat-completions API.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

// NewClient builds a client from configuration.
func NewClient(cfg config.AIConfig) *Client {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &Client{
		baseURL: base,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout.Or(60 * time.Second)},
	}
}

// Model reports the configured model name.
func (c *Client) Model() string {
	return c.model
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the prompt with its images and returns the reply text.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	parts := []contentPart{{Type: "text", Text: req.Prompt}}
	for _, u := range req.ImageURLs {
		if u = strings.TrimSpace(u); u != "" {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageRef{URL: u, Detail: "low"}})
		}
	}
	body := chatRequest{
		Model:       c.model,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: parts})
	if req.JSONOutput {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, snippet(raw))
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrUnavailable, err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, decoded.Error.Message)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty choices in response", ErrUnavailable)
	}
	model := decoded.Model
	if model == "" {
		model = c.model
	}
	return &Response{Content: decoded.Choices[0].Message.Content, Model: model}, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"ask-dora/internal/domain"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultMaxTokens = 300
)

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
}

// TokenSource yields the API token for each request.
type TokenSource interface {
	Resolve(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible chat completions client. It serves
// as the primary answer provider.
type Client struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	token       TokenSource
	temperature *float64
	maxTokens   int
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

// NewClient creates a Client for model. The API token is resolved from
// token on every call; the source is expected to cache it.
func NewClient(token TokenSource, model string, opts ...Option) (*Client, error) {
	if token == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	c := &Client{
		baseURL: defaultBaseURL,
		model:   model,
		// Callers bound each call with a context deadline; this is a backstop.
		httpClient: &http.Client{Timeout: 30 * time.Second},
		token:      token,
		maxTokens:  defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 30s timeout if none was set (e.g. in tests that nil out the field).
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Answer implements the router's provider contract.
func (c *Client) Answer(ctx context.Context, req domain.AnswerRequest) (string, error) {
	answer, err := c.Chat(ctx, buildMessages(req))
	if err != nil {
		return "", err
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", errors.New("openai: empty answer")
	}
	return answer, nil
}

// buildMessages lays out the dialogue as system framing, a hint message,
// prior turns, then the new question.
func buildMessages(req domain.AnswerRequest) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(req.History)+3)
	if framing := strings.TrimSpace(req.SystemFraming); framing != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: framing})
	}
	if hint := hintPrompt(req.Hints); hint != "" {
		messages = append(messages, domain.ChatMessage{Role: "system", Content: hint})
	}
	for _, t := range req.History {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		switch t.Role {
		case domain.RoleChild:
			messages = append(messages, domain.ChatMessage{Role: "user", Content: text})
		case domain.RoleAssistant:
			messages = append(messages, domain.ChatMessage{Role: "assistant", Content: text})
		}
	}
	return append(messages, domain.ChatMessage{Role: "user", Content: strings.TrimSpace(req.Question)})
}

func hintPrompt(h domain.Hints) string {
	name := strings.TrimSpace(h.ChildName)
	switch {
	case name != "" && h.Age > 0:
		return fmt.Sprintf("You are talking with %s, who is %d years old.", name, h.Age)
	case name != "":
		return fmt.Sprintf("You are talking with %s.", name)
	case h.Age > 0:
		return fmt.Sprintf("You are talking with a child who is %d years old.", h.Age)
	}
	return ""
}

// Chat sends messages to the Chat Completions endpoint and returns the first
// choice's content.
func (c *Client) Chat(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	apiKey, err := c.token.Resolve(ctx)
	if err != nil {
		return "", fmt.Errorf("openai: resolve token: %w", err)
	}

	body, err := sonic.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return "", fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatResponse
	if decErr := sonic.Unmarshal(raw, &payload); decErr != nil {
		return "", fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

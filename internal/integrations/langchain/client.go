// Package langchain is the secondary answer provider. It talks to any
// OpenAI-compatible endpoint (a local Ollama, another vendor) through
// langchaingo.
package langchain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"ask-dora/internal/domain"
)

// TokenSource yields the API token for the endpoint.
type TokenSource interface {
	Resolve(ctx context.Context) (string, error)
}

// model is the part of llms.Model this client uses.
type model interface {
	GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error)
}

type Config struct {
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Client builds its langchaingo model on first use, once the token is known.
type Client struct {
	cfg      Config
	token    TokenSource
	newModel func(token string) (model, error)

	mu  sync.Mutex
	llm model
}

func New(token TokenSource, cfg Config) (*Client, error) {
	if token == nil {
		return nil, errors.New("langchain: token source must not be nil")
	}
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Model == "" {
		return nil, errors.New("langchain: model must not be empty")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	c := &Client{cfg: cfg, token: token}
	c.newModel = c.openAIModel
	return c, nil
}

func (c *Client) openAIModel(token string) (model, error) {
	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithModel(c.cfg.Model),
	}
	if base := strings.TrimSpace(c.cfg.BaseURL); base != "" {
		opts = append(opts, openai.WithBaseURL(base))
	}
	return openai.New(opts...)
}

func (c *Client) resolveModel(ctx context.Context) (model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.llm != nil {
		return c.llm, nil
	}
	token, err := c.token.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("langchain: resolve token: %w", err)
	}
	m, err := c.newModel(token)
	if err != nil {
		return nil, fmt.Errorf("langchain: init model: %w", err)
	}
	c.llm = m
	return m, nil
}

// Answer implements the router's provider contract.
func (c *Client) Answer(ctx context.Context, req domain.AnswerRequest) (string, error) {
	m, err := c.resolveModel(ctx)
	if err != nil {
		return "", err
	}
	resp, err := m.GenerateContent(ctx, buildMessages(req),
		llms.WithMaxTokens(c.cfg.MaxTokens),
		llms.WithTemperature(c.cfg.Temperature),
	)
	if err != nil {
		return "", fmt.Errorf("langchain: generate: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return "", errors.New("langchain: no choices in response")
	}
	answer := strings.TrimSpace(resp.Choices[0].Content)
	if answer == "" {
		return "", errors.New("langchain: empty answer")
	}
	return answer, nil
}

// buildMessages folds the hints into the question itself, since some
// OpenAI-compatible servers only honour a single system message.
func buildMessages(req domain.AnswerRequest) []llms.MessageContent {
	messages := make([]llms.MessageContent, 0, len(req.History)+2)
	if framing := strings.TrimSpace(req.SystemFraming); framing != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, framing))
	}
	for _, t := range req.History {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		switch t.Role {
		case domain.RoleChild:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, text))
		case domain.RoleAssistant:
			messages = append(messages, llms.TextParts(llms.ChatMessageTypeAI, text))
		}
	}
	return append(messages, llms.TextParts(llms.ChatMessageTypeHuman, taggedQuestion(req.Question, req.Hints)))
}

func taggedQuestion(question string, h domain.Hints) string {
	question = strings.TrimSpace(question)
	name := strings.TrimSpace(h.ChildName)
	switch {
	case name != "" && h.Age > 0:
		return fmt.Sprintf("[%s, age %d] %s", name, h.Age, question)
	case name != "":
		return fmt.Sprintf("[%s] %s", name, question)
	case h.Age > 0:
		return fmt.Sprintf("[age %d] %s", h.Age, question)
	}
	return question
}

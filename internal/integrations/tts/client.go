// Package tts turns answer text into MP3 speech via the OpenAI audio API.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
)

const maxAudioBytes = 8 << 20

// TokenSource yields the API token for the speech endpoint.
type TokenSource interface {
	Resolve(ctx context.Context) (string, error)
}

type speechAPI interface {
	CreateSpeech(ctx context.Context, request openai.CreateSpeechRequest) (openai.RawResponse, error)
}

type Config struct {
	BaseURL string
	Model   string
	Voice   string
	Speed   float64
}

// Client synthesizes speech. The underlying go-openai client is built on
// first use, once the token resolves.
type Client struct {
	cfg       Config
	token     TokenSource
	newClient func(token string) speechAPI

	mu  sync.Mutex
	api speechAPI
}

func New(token TokenSource, cfg Config) (*Client, error) {
	if token == nil {
		return nil, errors.New("tts: token source must not be nil")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = string(openai.VoiceNova)
	}
	c := &Client{cfg: cfg, token: token}
	c.newClient = c.openAIClient
	return c, nil
}

func (c *Client) openAIClient(token string) speechAPI {
	conf := openai.DefaultConfig(token)
	if base := strings.TrimSpace(c.cfg.BaseURL); base != "" {
		conf.BaseURL = strings.TrimRight(base, "/")
	}
	return openai.NewClientWithConfig(conf)
}

func (c *Client) resolveAPI(ctx context.Context) (speechAPI, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	token, err := c.token.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("tts: resolve token: %w", err)
	}
	c.api = c.newClient(token)
	return c.api, nil
}

// ContentType is the media type of the audio Synthesize returns.
func (c *Client) ContentType() string {
	return "audio/mpeg"
}

// Synthesize returns MP3 audio for text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("tts: text must not be empty")
	}
	api, err := c.resolveAPI(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(c.cfg.Model),
		Input:          text,
		Voice:          openai.SpeechVoice(c.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
		Speed:          c.cfg.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("tts: create speech: %w", err)
	}
	defer func() { _ = resp.Close() }()

	audio, err := io.ReadAll(io.LimitReader(resp, maxAudioBytes))
	if err != nil {
		return nil, fmt.Errorf("tts: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, errors.New("tts: empty audio")
	}
	return audio, nil
}

package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"ask-dora/internal/domain"
)

const (
	DefaultPrimaryTimeout   = 5 * time.Second
	DefaultSecondaryTimeout = 8 * time.Second
	DefaultContextTurns     = 6
)

// AnswerProvider answers a child's question. Implementations build their own
// wire request from req.
type AnswerProvider interface {
	Answer(ctx context.Context, req domain.AnswerRequest) (string, error)
}

type AnswerResult struct {
	Text   string
	Source domain.AnswerSource
}

type RouterConfig struct {
	PrimaryTimeout   time.Duration
	SecondaryTimeout time.Duration
	// ContextTurns caps how many prior turns each provider sees.
	ContextTurns int
	// Apology replaces LocalApology when set.
	Apology string
}

// Router tries the primary provider, then the secondary, then falls back
// to a fixed apology. It never returns an error.
type Router struct {
	primary   AnswerProvider
	secondary AnswerProvider
	cfg       RouterConfig
	framing   string
	logger    *zap.Logger
}

// NewRouter accepts a nil primary or secondary; an absent slot is skipped.
func NewRouter(primary, secondary AnswerProvider, cfg RouterConfig, logger *zap.Logger) *Router {
	if cfg.PrimaryTimeout <= 0 {
		cfg.PrimaryTimeout = DefaultPrimaryTimeout
	}
	if cfg.SecondaryTimeout <= 0 {
		cfg.SecondaryTimeout = DefaultSecondaryTimeout
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = DefaultContextTurns
	}
	if strings.TrimSpace(cfg.Apology) == "" {
		cfg.Apology = LocalApology
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		primary:   primary,
		secondary: secondary,
		cfg:       cfg,
		framing:   buildSystemFraming(),
		logger:    logger,
	}
}

func (r *Router) Answer(ctx context.Context, history []domain.Turn, question string, hints domain.Hints) AnswerResult {
	req := domain.AnswerRequest{
		SystemFraming: r.framing,
		History:       recentTurns(history, r.cfg.ContextTurns),
		Question:      question,
		Hints:         hints,
	}

	if r.primary != nil {
		text, err := r.call(ctx, r.primary, req, r.cfg.PrimaryTimeout)
		if err == nil {
			return AnswerResult{Text: text, Source: domain.SourcePrimary}
		}
		r.logger.Warn("provider failed", zap.String("provider", string(domain.SourcePrimary)), zap.Error(err))
	}
	if r.secondary != nil {
		text, err := r.call(ctx, r.secondary, req, r.cfg.SecondaryTimeout)
		if err == nil {
			return AnswerResult{Text: text, Source: domain.SourceSecondary}
		}
		r.logger.Warn("provider failed", zap.String("provider", string(domain.SourceSecondary)), zap.Error(err))
	}
	return AnswerResult{Text: r.cfg.Apology, Source: domain.SourceLocalFallback}
}

// call bounds p with its own timeout on a context detached from the caller,
// so an abandoned request cannot cut a provider short.
func (r *Router) call(ctx context.Context, p AnswerProvider, req domain.AnswerRequest, timeout time.Duration) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := p.Answer(callCtx, req)
		done <- result{text: text, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		text := strings.TrimSpace(res.text)
		if text == "" {
			return "", errors.New("usecase: provider returned empty answer")
		}
		return text, nil
	case <-callCtx.Done():
		return "", callCtx.Err()
	}
}

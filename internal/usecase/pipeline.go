package usecase

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"ask-dora/internal/audio"
	"ask-dora/internal/domain"
	"ask-dora/internal/ratelimit"
)

const (
	defaultMaxQuestion  = 300
	defaultHistoryTurns = DefaultContextTurns
)

type ConversationStore interface {
	Create(ctx context.Context, profileID, ownerID string) (string, error)
	Append(ctx context.Context, conversationID string, role domain.Role, text string) (string, error)
	RecentHistory(ctx context.Context, conversationID string, maxTurns int) ([]domain.Turn, error)
}

type RateLimiter interface {
	Admit(profileID string) ratelimit.Decision
}

type Answerer interface {
	Answer(ctx context.Context, history []domain.Turn, question string, hints domain.Hints) AnswerResult
}

type AudioSynthesizer interface {
	Synthesize(ctx context.Context, text string) (audio.Asset, error)
}

// Greeter picks the opening line of a new conversation.
type Greeter interface {
	Greeting(hints domain.Hints) string
}

type PipelineConfig struct {
	// HistoryTurns is how many prior turns are loaded for context.
	HistoryTurns   int
	MaxQuestionLen int
}

// Pipeline runs one child message through rate limiting, persistence,
// answering and speech synthesis.
type Pipeline struct {
	store   ConversationStore
	limiter RateLimiter
	router  Answerer
	audio   AudioSynthesizer
	greeter Greeter
	cfg     PipelineConfig
	logger  *zap.Logger
}

type HandleInput struct {
	ProfileID      string
	ConversationID string
	Question       string
	Hints          domain.Hints
}

type HandleOutput struct {
	Reply string
	// AudioRef is empty when no audio could be produced.
	AudioRef           string
	Source             domain.AnswerSource
	RateLimitRemaining int
}

type StartInput struct {
	ProfileID string
	OwnerID   string
	Hints     domain.Hints
}

type StartOutput struct {
	ConversationID string
	Greeting       string
	AudioRef       string
}

// NewPipeline wires the pipeline. greeter may be nil.
func NewPipeline(store ConversationStore, limiter RateLimiter, router Answerer, synth AudioSynthesizer, greeter Greeter, cfg PipelineConfig, logger *zap.Logger) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if limiter == nil {
		return nil, errors.New("usecase: rate limiter must not be nil")
	}
	if router == nil {
		return nil, errors.New("usecase: router must not be nil")
	}
	if synth == nil {
		return nil, errors.New("usecase: audio synthesizer must not be nil")
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	if cfg.MaxQuestionLen <= 0 {
		cfg.MaxQuestionLen = defaultMaxQuestion
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:   store,
		limiter: limiter,
		router:  router,
		audio:   synth,
		greeter: greeter,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

func (p *Pipeline) Handle(ctx context.Context, in HandleInput) (HandleOutput, error) {
	profileID := strings.TrimSpace(in.ProfileID)
	convID := strings.TrimSpace(in.ConversationID)
	question := strings.TrimSpace(in.Question)
	switch {
	case profileID == "":
		return HandleOutput{}, newError(ErrorInvalidInput, "missing_profile_id", nil)
	case convID == "":
		return HandleOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	case question == "":
		return HandleOutput{}, newError(ErrorInvalidInput, "empty_question", nil)
	case utf8.RuneCountInString(question) > p.cfg.MaxQuestionLen:
		return HandleOutput{}, newError(ErrorInvalidInput, "question_too_long", nil)
	}

	decision := p.limiter.Admit(profileID)
	if !decision.Allowed {
		return HandleOutput{}, &Error{
			Code:       ErrorRateLimited,
			Reason:     "profile_rate_limited",
			RetryAfter: decision.RetryAfter,
		}
	}

	log := p.logger.With(zap.String("profile_id", profileID), zap.String("conversation_id", convID))

	// Once admitted, the turn is committed even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	childTurnID, err := p.store.Append(ctx, convID, domain.RoleChild, question)
	if err != nil {
		return HandleOutput{}, storeError("append_child_turn", err)
	}

	history, err := p.store.RecentHistory(ctx, convID, p.cfg.HistoryTurns+1)
	if err != nil {
		return HandleOutput{}, storeError("load_history", err)
	}
	history = withoutTurn(history, childTurnID)

	answer := p.router.Answer(ctx, history, question, in.Hints)
	log.Info("answer ready", zap.String("provider", string(answer.Source)))

	if _, err := p.store.Append(ctx, convID, domain.RoleAssistant, answer.Text); err != nil {
		return HandleOutput{}, storeError("append_assistant_turn", err)
	}

	return HandleOutput{
		Reply:              answer.Text,
		AudioRef:           p.audioRef(ctx, log, answer.Text),
		Source:             answer.Source,
		RateLimitRemaining: decision.Remaining,
	}, nil
}

// StartConversation opens a conversation and returns its greeting. The
// greeting is not stored as a turn.
func (p *Pipeline) StartConversation(ctx context.Context, in StartInput) (StartOutput, error) {
	profileID := strings.TrimSpace(in.ProfileID)
	if profileID == "" {
		return StartOutput{}, newError(ErrorInvalidInput, "missing_profile_id", nil)
	}
	ownerID := strings.TrimSpace(in.OwnerID)

	ctx = context.WithoutCancel(ctx)
	convID, err := p.store.Create(ctx, profileID, ownerID)
	if err != nil {
		return StartOutput{}, storeError("create_conversation", err)
	}

	greeting := DefaultGreeting
	if p.greeter != nil {
		if g := strings.TrimSpace(p.greeter.Greeting(in.Hints)); g != "" {
			greeting = g
		}
	}
	log := p.logger.With(zap.String("profile_id", profileID), zap.String("conversation_id", convID))
	log.Info("conversation started")

	return StartOutput{
		ConversationID: convID,
		Greeting:       greeting,
		AudioRef:       p.audioRef(ctx, log, greeting),
	}, nil
}

func (p *Pipeline) audioRef(ctx context.Context, log *zap.Logger, text string) string {
	asset, err := p.audio.Synthesize(ctx, text)
	if err != nil {
		log.Warn("audio unavailable", zap.Error(err))
		return ""
	}
	return asset.Ref
}

func storeError(reason string, err error) *Error {
	if errors.Is(err, domain.ErrConversationNotFound) {
		return newError(ErrorNotFound, "conversation_not_found", err)
	}
	var se *domain.StorageError
	if errors.As(err, &se) {
		return newError(ErrorStorage, reason, err)
	}
	return newError(ErrorInternal, reason, err)
}

func withoutTurn(turns []domain.Turn, id string) []domain.Turn {
	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

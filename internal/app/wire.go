// Package app assembles the answer pipeline from configuration. Both the
// Lambda entrypoint and doractl build through here.
package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ask-dora/internal/audio"
	"ask-dora/internal/config"
	"ask-dora/internal/domain"
	"ask-dora/internal/greetings"
	"ask-dora/internal/integrations/blobstore"
	"ask-dora/internal/integrations/langchain"
	"ask-dora/internal/integrations/openai"
	"ask-dora/internal/integrations/paramstore"
	"ask-dora/internal/integrations/tts"
	"ask-dora/internal/ratelimit"
	"ask-dora/internal/repository"
	"ask-dora/internal/usecase"
)

const (
	primaryTokenParam   = "primary-token"
	secondaryTokenParam = "secondary-token"
	ttsTokenParam       = "tts-token"
)

// ConversationStore is the store surface the binaries need.
type ConversationStore interface {
	usecase.ConversationStore
	Get(ctx context.Context, conversationID string) (domain.Conversation, error)
}

type App struct {
	Config    config.Config
	Pipeline  *usecase.Pipeline
	Audio     *audio.Cache
	Greetings *greetings.Table
	Store     ConversationStore

	closers []func() error
}

// Close releases resources held by the store.
func (a *App) Close() error {
	var err error
	for _, c := range a.closers {
		err = multierr.Append(err, c())
	}
	return err
}

// Build wires every component described by cfg.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg}

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg != nil {
			return *awsCfg, nil
		}
		c, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return aws.Config{}, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = &c
		return c, nil
	}

	// ---- Secrets ----
	var params paramstore.Getter
	switch cfg.ParamSource {
	case config.ParamSourceEnv:
		params = paramstore.NewEnvGetter()
	default:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(c))
		if err != nil {
			return nil, fmt.Errorf("app: create SSM client: %w", err)
		}
		params = ssmClient
	}
	token := func(name string) (*paramstore.Token, error) {
		t, err := paramstore.NewToken(params, cfg.TokenName(name))
		if err != nil {
			return nil, fmt.Errorf("app: token %s: %w", name, err)
		}
		return t, nil
	}

	// ---- Conversation store ----
	switch cfg.StoreDriver {
	case config.StoreSQLite:
		s, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("app: open sqlite store: %w", err)
		}
		a.Store = s
		a.closers = append(a.closers, s.Close)
	default:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		s, err := repository.New(awsdynamodb.NewFromConfig(c), cfg.StateTable)
		if err != nil {
			return nil, fmt.Errorf("app: create dynamodb store: %w", err)
		}
		a.Store = s
	}

	// ---- Answer providers ----
	var primary, secondary usecase.AnswerProvider
	if cfg.Primary.Enabled {
		t, err := token(primaryTokenParam)
		if err != nil {
			return nil, err
		}
		c, err := openai.NewClient(t, cfg.Primary.Model,
			openai.WithBaseURL(cfg.Primary.BaseURL),
			openai.WithMaxTokens(cfg.Primary.MaxTokens),
			openai.WithTemperature(cfg.Primary.Temperature),
		)
		if err != nil {
			return nil, fmt.Errorf("app: create primary provider: %w", err)
		}
		primary = c
	}
	if cfg.Secondary.Enabled {
		t, err := token(secondaryTokenParam)
		if err != nil {
			return nil, err
		}
		c, err := langchain.New(t, langchain.Config{
			BaseURL:     cfg.Secondary.BaseURL,
			Model:       cfg.Secondary.Model,
			MaxTokens:   cfg.Secondary.MaxTokens,
			Temperature: cfg.Secondary.Temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("app: create secondary provider: %w", err)
		}
		secondary = c
	}

	// ---- Phrases ----
	table, err := greetings.Load(cfg.GreetingsFile)
	if err != nil {
		return nil, fmt.Errorf("app: load greetings: %w", err)
	}
	a.Greetings = table

	router := usecase.NewRouter(primary, secondary, usecase.RouterConfig{
		PrimaryTimeout:   cfg.Primary.Timeout,
		SecondaryTimeout: cfg.Secondary.Timeout,
		ContextTurns:     cfg.ContextTurns,
		Apology:          table.Apology(),
	}, logger)

	// ---- Audio ----
	ttsToken, err := token(ttsTokenParam)
	if err != nil {
		return nil, err
	}
	synth, err := tts.New(ttsToken, tts.Config{
		BaseURL: cfg.TTS.BaseURL,
		Model:   cfg.TTS.Model,
		Voice:   cfg.TTS.Voice,
		Speed:   cfg.TTS.Speed,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create speech client: %w", err)
	}

	var blobs audio.BlobStore
	switch cfg.Audio.Driver {
	case config.BlobDir:
		d, err := blobstore.NewDir(cfg.Audio.Dir, cfg.Audio.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: create audio dir: %w", err)
		}
		blobs = d
	default:
		c, err := loadAWS()
		if err != nil {
			return nil, err
		}
		s, err := blobstore.NewS3(awss3.NewFromConfig(c), cfg.Audio.Bucket, cfg.Audio.Prefix, cfg.Audio.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: create audio bucket store: %w", err)
		}
		blobs = s
	}

	cache, err := audio.New(synth, blobs,
		audio.WithTimeout(cfg.TTS.Timeout),
		audio.WithConcurrency(cfg.WarmConcurrency),
		audio.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create audio cache: %w", err)
	}
	a.Audio = cache

	// ---- Pipeline ----
	limiter, err := ratelimit.New(cfg.RateLimitMaxRequests, cfg.RateLimitWindow)
	if err != nil {
		return nil, fmt.Errorf("app: create rate limiter: %w", err)
	}

	pipeline, err := usecase.NewPipeline(a.Store, limiter, router, cache, table, usecase.PipelineConfig{
		HistoryTurns:   cfg.HistoryTurns,
		MaxQuestionLen: cfg.MaxQuestionLength,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("app: create pipeline: %w", err)
	}
	a.Pipeline = pipeline
	return a, nil
}

// Warm pre-synthesizes the fixed phrases in the background.
func (a *App) Warm(ctx context.Context) <-chan struct{} {
	return a.Audio.WarmAll(ctx, a.Greetings.WarmPhrases())
}

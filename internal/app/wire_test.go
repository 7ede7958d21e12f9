package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ask-dora/internal/config"
	"ask-dora/internal/domain"
	"ask-dora/internal/usecase"
)

func localConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("SECONDARY_TOKEN", "")
	t.Setenv("TTS_TOKEN", "")
	return config.Config{
		StoreDriver: config.StoreSQLite,
		SQLitePath:  ":memory:",
		ParamSource: config.ParamSourceEnv,
		ParamPrefix: "/ask-dora-test",
		Primary:     config.Provider{Enabled: false},
		Secondary: config.Provider{
			Enabled:     true,
			BaseURL:     "http://127.0.0.1:1/v1",
			Model:       "llama3.1:8b",
			Timeout:     200 * time.Millisecond,
			MaxTokens:   120,
			Temperature: 0.5,
		},
		TTS: config.Speech{BaseURL: "http://127.0.0.1:1/v1", Speed: 0.9, Timeout: 200 * time.Millisecond},
		Audio: config.Audio{
			Driver: config.BlobDir,
			Dir:    filepath.Join(t.TempDir(), "audio"),
		},
		RateLimitMaxRequests: 2,
		RateLimitWindow:      time.Hour,
		ContextTurns:         6,
		HistoryTurns:         6,
		MaxQuestionLength:    300,
		WarmConcurrency:      2,
	}
}

func TestBuild_LocalStackEndToEnd(t *testing.T) {
	a, err := Build(context.Background(), localConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	ctx := context.Background()
	start, err := a.Pipeline.StartConversation(ctx, usecase.StartInput{ProfileID: "p1", OwnerID: "o1"})
	require.NoError(t, err)
	require.NotEmpty(t, start.Greeting)
	// No tts token in the environment, so audio degrades.
	require.Empty(t, start.AudioRef)

	out, err := a.Pipeline.Handle(ctx, usecase.HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "hi"})
	require.NoError(t, err)
	require.Equal(t, domain.SourceLocalFallback, out.Source)
	require.Equal(t, a.Greetings.Apology(), out.Reply)
	require.Equal(t, 1, out.RateLimitRemaining)

	conv, err := a.Store.Get(ctx, start.ConversationID)
	require.NoError(t, err)
	require.Equal(t, 2, conv.TurnCount)
}

func TestBuild_WarmFinishes(t *testing.T) {
	a, err := Build(context.Background(), localConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	select {
	case <-a.Warm(context.Background()):
	case <-time.After(5 * time.Second):
		t.Fatal("warm did not finish")
	}
	require.Equal(t, 0, a.Audio.Len())
}

func TestBuild_BadSQLitePath(t *testing.T) {
	cfg := localConfig(t)
	cfg.SQLitePath = " "
	_, err := Build(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "sqlite")
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ask-dora/internal/audio"
	"ask-dora/internal/domain"
	"ask-dora/internal/ratelimit"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type memStore struct {
	mu        sync.Mutex
	convs     map[string]domain.Conversation
	turns     map[string][]domain.Turn
	ops       []string
	createErr error
	appendErr error
	// failAssistant fails only assistant appends.
	failAssistant error
	historyErr    error
	nextID        int
}

func newMemStore() *memStore {
	return &memStore{convs: map[string]domain.Conversation{}, turns: map[string][]domain.Turn{}}
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) Create(_ context.Context, profileID, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "create")
	if m.createErr != nil {
		return "", m.createErr
	}
	id := m.id("conv")
	m.convs[id] = domain.Conversation{ID: id, ProfileID: profileID, OwnerID: ownerID}
	return id, nil
}

func (m *memStore) Append(_ context.Context, convID string, role domain.Role, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "append:"+string(role))
	if m.appendErr != nil {
		return "", m.appendErr
	}
	if role == domain.RoleAssistant && m.failAssistant != nil {
		return "", m.failAssistant
	}
	conv, ok := m.convs[convID]
	if !ok {
		return "", fmt.Errorf("memstore: %w", domain.ErrConversationNotFound)
	}
	conv.TurnCount++
	m.convs[convID] = conv
	id := m.id("turn")
	m.turns[convID] = append(m.turns[convID], domain.Turn{
		ID: id, ConversationID: convID, Seq: int64(conv.TurnCount), Role: role, Text: text,
	})
	return id, nil
}

func (m *memStore) RecentHistory(_ context.Context, convID string, maxTurns int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "history")
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	all := m.turns[convID]
	if len(all) > maxTurns {
		all = all[len(all)-maxTurns:]
	}
	return append([]domain.Turn(nil), all...), nil
}

func (m *memStore) transcript(convID string) []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Turn(nil), m.turns[convID]...)
}

func (m *memStore) opsSnapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

type fakeAudio struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (f *fakeAudio) Synthesize(_ context.Context, text string) (audio.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return audio.Asset{}, f.err
	}
	return audio.Asset{Ref: "https://cdn.test/" + audio.Digest(text) + ".mp3"}, nil
}

type fixedGreeter string

func (g fixedGreeter) Greeting(h domain.Hints) string {
	return strings.ReplaceAll(string(g), "{name}", h.ChildName)
}

type pipelineDeps struct {
	store     *memStore
	primary   *fakeProvider
	secondary *fakeProvider
	audio     *fakeAudio
}

func newTestPipeline(t *testing.T, limit int) (*Pipeline, *pipelineDeps) {
	t.Helper()
	deps := &pipelineDeps{
		store:     newMemStore(),
		primary:   &fakeProvider{answer: "Great question!"},
		secondary: &fakeProvider{answer: "Backup answer!"},
		audio:     &fakeAudio{},
	}
	limiter, err := ratelimit.New(limit, time.Hour)
	require.NoError(t, err)
	router := NewRouter(deps.primary, deps.secondary, RouterConfig{PrimaryTimeout: 50 * time.Millisecond}, nil)

	p, err := NewPipeline(deps.store, limiter, router, deps.audio, fixedGreeter("Hi {name}!"), PipelineConfig{}, nil)
	require.NoError(t, err)
	return p, deps
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var uErr *Error
	require.ErrorAs(t, err, &uErr)
	require.Equal(t, code, uErr.Code)
	return uErr
}

// ---------------------------------------------------------------------------
// NewPipeline
// ---------------------------------------------------------------------------

func TestNewPipeline_Validates(t *testing.T) {
	limiter, err := ratelimit.New(1, time.Hour)
	require.NoError(t, err)
	router := NewRouter(nil, nil, RouterConfig{}, nil)

	_, err = NewPipeline(nil, limiter, router, &fakeAudio{}, nil, PipelineConfig{}, nil)
	require.Error(t, err)
	_, err = NewPipeline(newMemStore(), nil, router, &fakeAudio{}, nil, PipelineConfig{}, nil)
	require.Error(t, err)
	_, err = NewPipeline(newMemStore(), limiter, nil, &fakeAudio{}, nil, PipelineConfig{}, nil)
	require.Error(t, err)
	_, err = NewPipeline(newMemStore(), limiter, router, nil, nil, PipelineConfig{}, nil)
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Handle
// ---------------------------------------------------------------------------

func TestHandle_CeilingTwoScenario(t *testing.T) {
	p, deps := newTestPipeline(t, 2)
	ctx := context.Background()

	start, err := p.StartConversation(ctx, StartInput{ProfileID: "p1", OwnerID: "o1"})
	require.NoError(t, err)
	convID := start.ConversationID

	first, err := p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: convID, Question: "why is the sky blue?"})
	require.NoError(t, err)
	require.Equal(t, 1, first.RateLimitRemaining)
	require.Equal(t, domain.SourcePrimary, first.Source)
	require.NotEmpty(t, first.AudioRef)

	second, err := p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: convID, Question: "what are clouds?"})
	require.NoError(t, err)
	require.Equal(t, 0, second.RateLimitRemaining)

	_, err = p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: convID, Question: "one more?"})
	uErr := requireCode(t, err, ErrorRateLimited)
	require.Greater(t, uErr.RetryAfter, time.Duration(0))

	turns := deps.store.transcript(convID)
	require.Len(t, turns, 4)
	require.Equal(t, []domain.Role{domain.RoleChild, domain.RoleAssistant, domain.RoleChild, domain.RoleAssistant},
		[]domain.Role{turns[0].Role, turns[1].Role, turns[2].Role, turns[3].Role})
	require.Equal(t, "what are clouds?", turns[2].Text)
}

func TestHandle_OrderOfOperations(t *testing.T) {
	p, deps := newTestPipeline(t, 5)
	ctx := context.Background()
	start, err := p.StartConversation(ctx, StartInput{ProfileID: "p1"})
	require.NoError(t, err)

	_, err = p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "hi"})
	require.NoError(t, err)
	require.Equal(t, []string{"create", "append:child", "history", "append:assistant"}, deps.store.opsSnapshot())
}

func TestHandle_HistoryExcludesCurrentQuestion(t *testing.T) {
	p, deps := newTestPipeline(t, 5)
	ctx := context.Background()
	start, err := p.StartConversation(ctx, StartInput{ProfileID: "p1"})
	require.NoError(t, err)

	_, err = p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "first"})
	require.NoError(t, err)
	require.Empty(t, deps.primary.lastReq.History)

	_, err = p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "second"})
	require.NoError(t, err)
	hist := deps.primary.lastReq.History
	require.Len(t, hist, 2)
	require.Equal(t, "first", hist[0].Text)
	require.Equal(t, "Great question!", hist[1].Text)
	require.Equal(t, "second", deps.primary.lastReq.Question)
}

func TestHandle_AudioFailureDegradesGracefully(t *testing.T) {
	p, deps := newTestPipeline(t, 5)
	deps.audio.err = fmt.Errorf("wrapped: %w", audio.ErrSynthesisUnavailable)
	ctx := context.Background()
	start, err := p.StartConversation(ctx, StartInput{ProfileID: "p1"})
	require.NoError(t, err)
	require.Empty(t, start.AudioRef)

	out, err := p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "hi"})
	require.NoError(t, err)
	require.Equal(t, "Great question!", out.Reply)
	require.Empty(t, out.AudioRef)
	require.Len(t, deps.store.transcript(start.ConversationID), 2)
}

func TestHandle_ProvidersDownStillAnswers(t *testing.T) {
	p, deps := newTestPipeline(t, 5)
	deps.primary.err = errors.New("down")
	deps.secondary.err = errors.New("down")
	ctx := context.Background()
	start, err := p.StartConversation(ctx, StartInput{ProfileID: "p1"})
	require.NoError(t, err)

	out, err := p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "hi"})
	require.NoError(t, err)
	require.Equal(t, domain.SourceLocalFallback, out.Source)
	require.Equal(t, LocalApology, out.Reply)

	turns := deps.store.transcript(start.ConversationID)
	require.Equal(t, LocalApology, turns[1].Text)
}

func TestHandle_InvalidInput(t *testing.T) {
	p, deps := newTestPipeline(t, 5)
	cases := []struct {
		name string
		in   HandleInput
	}{
		{name: "missing profile", in: HandleInput{ConversationID: "c", Question: "q"}},
		{name: "missing conversation", in: HandleInput{ProfileID: "p", Question: "q"}},
		{name: "blank question", in: HandleInput{ProfileID: "p", ConversationID: "c", Question: " \n "}},
		{name: "too long", in: HandleInput{ProfileID: "p", ConversationID: "c", Question: strings.Repeat("a", 301)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Handle(context.Background(), tc.in)
			requireCode(t, err, ErrorInvalidInput)
		})
	}
	require.Empty(t, deps.store.opsSnapshot())
	require.Equal(t, 0, deps.primary.callCount())
}

func TestHandle_RateLimitedDoesNoWork(t *testing.T) {
	p, deps := newTestPipeline(t, 1)
	ctx := context.Background()
	start, err := p.StartConversation(ctx, StartInput{ProfileID: "p1"})
	require.NoError(t, err)
	_, err = p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "one"})
	require.NoError(t, err)

	before := len(deps.store.opsSnapshot())
	_, err = p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "two"})
	requireCode(t, err, ErrorRateLimited)
	require.Len(t, deps.store.opsSnapshot(), before)
	require.Equal(t, 1, deps.primary.callCount())
}

func TestHandle_UnknownConversation(t *testing.T) {
	p, deps := newTestPipeline(t, 5)
	_, err := p.Handle(context.Background(), HandleInput{ProfileID: "p1", ConversationID: "nope", Question: "hi"})
	uErr := requireCode(t, err, ErrorNotFound)
	require.ErrorIs(t, uErr, domain.ErrConversationNotFound)
	require.Equal(t, 0, deps.primary.callCount())
}

func TestHandle_StorageErrors(t *testing.T) {
	storageErr := &domain.StorageError{Op: "Append", Err: errors.New("throttled")}

	t.Run("child append", func(t *testing.T) {
		p, deps := newTestPipeline(t, 5)
		start, err := p.StartConversation(context.Background(), StartInput{ProfileID: "p1"})
		require.NoError(t, err)
		deps.store.appendErr = storageErr

		_, err = p.Handle(context.Background(), HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "hi"})
		requireCode(t, err, ErrorStorage)
		require.Equal(t, 0, deps.primary.callCount())
	})

	t.Run("history", func(t *testing.T) {
		p, deps := newTestPipeline(t, 5)
		start, err := p.StartConversation(context.Background(), StartInput{ProfileID: "p1"})
		require.NoError(t, err)
		deps.store.historyErr = &domain.StorageError{Op: "RecentHistory", Err: errors.New("timeout")}

		_, err = p.Handle(context.Background(), HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "hi"})
		requireCode(t, err, ErrorStorage)
	})

	t.Run("assistant append", func(t *testing.T) {
		p, deps := newTestPipeline(t, 5)
		start, err := p.StartConversation(context.Background(), StartInput{ProfileID: "p1"})
		require.NoError(t, err)
		deps.store.failAssistant = storageErr

		_, err = p.Handle(context.Background(), HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "hi"})
		requireCode(t, err, ErrorStorage)
		require.Empty(t, deps.audio.texts[1:])
	})

	t.Run("unclassified", func(t *testing.T) {
		p, deps := newTestPipeline(t, 5)
		start, err := p.StartConversation(context.Background(), StartInput{ProfileID: "p1"})
		require.NoError(t, err)
		deps.store.appendErr = errors.New("boom")

		_, err = p.Handle(context.Background(), HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "hi"})
		requireCode(t, err, ErrorInternal)
	})
}

func TestHandle_CallerCancellationAfterAdmit(t *testing.T) {
	p, deps := newTestPipeline(t, 5)
	start, err := p.StartConversation(context.Background(), StartInput{ProfileID: "p1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := p.Handle(ctx, HandleInput{ProfileID: "p1", ConversationID: start.ConversationID, Question: "hi"})
	require.NoError(t, err)
	require.Equal(t, domain.SourcePrimary, out.Source)
	require.Len(t, deps.store.transcript(start.ConversationID), 2)
}

// ---------------------------------------------------------------------------
// StartConversation
// ---------------------------------------------------------------------------

func TestStartConversation(t *testing.T) {
	p, deps := newTestPipeline(t, 5)
	out, err := p.StartConversation(context.Background(), StartInput{
		ProfileID: "p1",
		OwnerID:   "o1",
		Hints:     domain.Hints{ChildName: "Maya"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, out.ConversationID)
	require.Equal(t, "Hi Maya!", out.Greeting)
	require.NotEmpty(t, out.AudioRef)
	require.Empty(t, deps.store.transcript(out.ConversationID))
	require.Equal(t, []string{"Hi Maya!"}, deps.audio.texts)
}

func TestStartConversation_DefaultGreeting(t *testing.T) {
	limiter, err := ratelimit.New(1, time.Hour)
	require.NoError(t, err)
	p, err := NewPipeline(newMemStore(), limiter, NewRouter(nil, nil, RouterConfig{}, nil), &fakeAudio{}, nil, PipelineConfig{}, nil)
	require.NoError(t, err)

	out, err := p.StartConversation(context.Background(), StartInput{ProfileID: "p1"})
	require.NoError(t, err)
	require.Equal(t, DefaultGreeting, out.Greeting)
}

func TestStartConversation_Errors(t *testing.T) {
	p, deps := newTestPipeline(t, 5)
	_, err := p.StartConversation(context.Background(), StartInput{})
	requireCode(t, err, ErrorInvalidInput)

	deps.store.createErr = &domain.StorageError{Op: "Create", Err: errors.New("unreachable")}
	_, err = p.StartConversation(context.Background(), StartInput{ProfileID: "p1"})
	requireCode(t, err, ErrorStorage)
}

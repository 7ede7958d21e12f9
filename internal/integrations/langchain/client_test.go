package langchain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"ask-dora/internal/domain"
)

type fakeToken struct {
	val   string
	err   error
	calls int
}

func (f *fakeToken) Resolve(_ context.Context) (string, error) {
	f.calls++
	return f.val, f.err
}

type fakeModel struct {
	resp     *llms.ContentResponse
	err      error
	captured []llms.MessageContent
}

func (f *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.captured = messages
	return f.resp, f.err
}

func reply(text string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}
}

func newTestClient(t *testing.T, tok *fakeToken, m *fakeModel) *Client {
	t.Helper()
	c, err := New(tok, Config{Model: "llama3.1:8b"})
	require.NoError(t, err)
	c.newModel = func(string) (model, error) { return m, nil }
	return c
}

func textOf(t *testing.T, mc llms.MessageContent) string {
	t.Helper()
	require.Len(t, mc.Parts, 1)
	part, ok := mc.Parts[0].(llms.TextContent)
	require.True(t, ok)
	return part.Text
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, Config{Model: "m"})
	require.Error(t, err)

	_, err = New(&fakeToken{}, Config{Model: " "})
	require.Error(t, err)
}

func TestAnswer_HappyPath(t *testing.T) {
	m := &fakeModel{resp: reply("  Stars are giant balls of gas! ")}
	c := newTestClient(t, &fakeToken{val: "tok"}, m)

	out, err := c.Answer(context.Background(), domain.AnswerRequest{
		SystemFraming: "You are Dora.",
		History: []domain.Turn{
			{Role: domain.RoleChild, Text: "hi"},
			{Role: domain.RoleAssistant, Text: "hello!"},
		},
		Question: "what are stars?",
		Hints:    domain.Hints{ChildName: "Maya", Age: 6},
	})
	require.NoError(t, err)
	require.Equal(t, "Stars are giant balls of gas!", out)

	require.Len(t, m.captured, 4)
	require.Equal(t, llms.ChatMessageTypeSystem, m.captured[0].Role)
	require.Equal(t, llms.ChatMessageTypeHuman, m.captured[1].Role)
	require.Equal(t, llms.ChatMessageTypeAI, m.captured[2].Role)
	require.Equal(t, "[Maya, age 6] what are stars?", textOf(t, m.captured[3]))
}

func TestAnswer_ModelBuiltOnce(t *testing.T) {
	tok := &fakeToken{val: "tok"}
	m := &fakeModel{resp: reply("ok")}
	c := newTestClient(t, tok, m)

	for i := 0; i < 3; i++ {
		_, err := c.Answer(context.Background(), domain.AnswerRequest{Question: "q"})
		require.NoError(t, err)
	}
	require.Equal(t, 1, tok.calls)
}

func TestAnswer_TokenFailureIsRetried(t *testing.T) {
	tok := &fakeToken{err: errors.New("no token")}
	c := newTestClient(t, tok, &fakeModel{resp: reply("ok")})

	_, err := c.Answer(context.Background(), domain.AnswerRequest{Question: "q"})
	require.ErrorContains(t, err, "no token")

	tok.err = nil
	tok.val = "tok"
	out, err := c.Answer(context.Background(), domain.AnswerRequest{Question: "q"})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

func TestAnswer_Failures(t *testing.T) {
	cases := []struct {
		name string
		m    *fakeModel
		want string
	}{
		{name: "generate error", m: &fakeModel{err: errors.New("connection refused")}, want: "connection refused"},
		{name: "no choices", m: &fakeModel{resp: &llms.ContentResponse{}}, want: "no choices"},
		{name: "empty answer", m: &fakeModel{resp: reply("   ")}, want: "empty answer"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, &fakeToken{val: "tok"}, tc.m)
			_, err := c.Answer(context.Background(), domain.AnswerRequest{Question: "q"})
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestTaggedQuestion(t *testing.T) {
	require.Equal(t, "why?", taggedQuestion(" why? ", domain.Hints{}))
	require.Equal(t, "[Leo] why?", taggedQuestion("why?", domain.Hints{ChildName: "Leo"}))
	require.Equal(t, "[age 4] why?", taggedQuestion("why?", domain.Hints{Age: 4}))
}

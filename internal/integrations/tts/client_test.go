package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
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

func newServerClient(t *testing.T, h http.HandlerFunc) (*Client, *fakeToken) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tok := &fakeToken{val: "sk-tts"}
	c, err := New(tok, Config{BaseURL: srv.URL + "/v1/"})
	require.NoError(t, err)
	return c, tok
}

func TestNew_Defaults(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)

	c, err := New(&fakeToken{}, Config{})
	require.NoError(t, err)
	require.Equal(t, "tts-1", c.cfg.Model)
	require.Equal(t, "nova", c.cfg.Voice)
	require.Equal(t, "audio/mpeg", c.ContentType())
}

func TestSynthesize_HappyPath(t *testing.T) {
	c, tok := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/speech", r.URL.Path)
		require.Equal(t, "Bearer sk-tts", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "tts-1", body["model"])
		require.Equal(t, "nova", body["voice"])
		require.Equal(t, "mp3", body["response_format"])
		require.Equal(t, "Hello Maya!", body["input"])

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-mp3"))
	})

	audio, err := c.Synthesize(context.Background(), "  Hello Maya! ")
	require.NoError(t, err)
	require.Equal(t, []byte("ID3-fake-mp3"), audio)

	_, err = c.Synthesize(context.Background(), "again")
	require.NoError(t, err)
	require.Equal(t, 1, tok.calls)
}

func TestSynthesize_SpeedIsSent(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte("ID3"))
	}))
	t.Cleanup(srv.Close)

	c, err := New(&fakeToken{val: "sk-tts"}, Config{BaseURL: srv.URL + "/v1", Speed: 0.9})
	require.NoError(t, err)
	_, err = c.Synthesize(context.Background(), "slow and clear")
	require.NoError(t, err)
	require.Equal(t, 0.9, body["speed"])
}

func TestSynthesize_UpstreamError(t *testing.T) {
	c, _ := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	})

	_, err := c.Synthesize(context.Background(), "hi")
	require.Error(t, err)
	require.Contains(t, err.Error(), "tts: create speech")
}

func TestSynthesize_EmptyAudio(t *testing.T) {
	c, _ := newServerClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusOK)
	})

	_, err := c.Synthesize(context.Background(), "hi")
	require.ErrorContains(t, err, "empty audio")
}

func TestSynthesize_EmptyText(t *testing.T) {
	c, err := New(&fakeToken{val: "sk"}, Config{})
	require.NoError(t, err)
	_, err = c.Synthesize(context.Background(), "   ")
	require.ErrorContains(t, err, "text must not be empty")
}

func TestSynthesize_TokenError(t *testing.T) {
	c, err := New(&fakeToken{err: errors.New("ssm down")}, Config{})
	require.NoError(t, err)
	_, err = c.Synthesize(context.Background(), "hi")
	require.ErrorContains(t, err, "ssm down")
}

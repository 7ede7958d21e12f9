package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// tokenPayload is the expected JSON shape stored in SSM for API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// Token lazily fetches an API token and keeps it for the lifetime of the
// process. Unlike sync.Once, a failed fetch is retried on the next call.
type Token struct {
	getter Getter
	name   string

	mu     sync.RWMutex
	loaded bool
	value  string
}

func NewToken(getter Getter, name string) (*Token, error) {
	if getter == nil {
		return nil, errors.New("paramstore: getter must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("paramstore: token parameter name is empty")
	}
	return &Token{getter: getter, name: name}, nil
}

// Resolve returns the cached token, fetching it on first use.
func (t *Token) Resolve(ctx context.Context) (string, error) {
	t.mu.RLock()
	if t.loaded {
		v := t.value
		t.mu.RUnlock()
		return v, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return t.value, nil
	}

	raw, err := t.getter.GetParameter(ctx, t.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: fetch token %q: %w", t.name, err)
	}
	v, err := ParseToken(raw)
	if err != nil {
		return "", err
	}
	t.value = v
	t.loaded = true
	return v, nil
}

// ParseToken accepts either the {"token":"..."} JSON document used in SSM
// or a bare token string.
func ParseToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("paramstore: unmarshal token value as JSON: %w", err)
		}
		raw = strings.TrimSpace(tp.Token)
	}
	if raw == "" {
		return "", errors.New("paramstore: API token is empty")
	}
	return raw, nil
}

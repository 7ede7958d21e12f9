// Package ratelimit keeps a fixed-window request budget per profile.
package ratelimit

import (
	"errors"
	"strings"
	"sync"
	"time"
)

const (
	DefaultLimit  = 20
	DefaultWindow = time.Hour
)

// Decision is the outcome of a single Admit call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window counter. A window starts on the first request
// for a profile and is only reset lazily, on the first request at or after
// its reset time.
type Limiter struct {
	limit int
	size  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter admitting limit requests per window.
func New(limit int, size time.Duration, opts ...Option) (*Limiter, error) {
	if limit <= 0 {
		return nil, errors.New("ratelimit: limit must be positive")
	}
	if size <= 0 {
		return nil, errors.New("ratelimit: window must be positive")
	}
	l := &Limiter{
		limit:   limit,
		size:    size,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Admit counts one request against profileID's window. The reset and the
// increment happen under the same lock.
func (l *Limiter) Admit(profileID string) Decision {
	key := strings.TrimSpace(profileID)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.size)}
		l.windows[key] = w
	}

	if w.count < l.limit {
		w.count++
		return Decision{Allowed: true, Remaining: l.limit - w.count}
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: w.resetAt.Sub(now)}
}

// Len returns the number of profiles with a tracked window.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

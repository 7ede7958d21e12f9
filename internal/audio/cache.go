// Package audio maps answer text to a stored speech asset. Identical
// (normalized) text is synthesized at most once per process in the
// common case, and a stored asset found in the blob store is reused
// across restarts.
package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	DefaultTimeout     = 15 * time.Second
	DefaultConcurrency = 4
)

// ErrSynthesisUnavailable is returned when no asset could be produced.
// Callers treat it as non-fatal.
var ErrSynthesisUnavailable = errors.New("audio: synthesis unavailable")

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	ContentType() string
}

type BlobStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	Put(ctx context.Context, name string, data []byte, contentType string) error
	URL(name string) string
}

// Asset is a playable reference to synthesized speech.
type Asset struct {
	Ref       string
	FromCache bool
}

type entry struct {
	ref       string
	createdAt time.Time
}

type Cache struct {
	synth       Synthesizer
	blobs       BlobStore
	timeout     time.Duration
	concurrency int
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

type Option func(*Cache)

func WithTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(synth Synthesizer, blobs BlobStore, opts ...Option) (*Cache, error) {
	if synth == nil {
		return nil, errors.New("audio: synthesizer must not be nil")
	}
	if blobs == nil {
		return nil, errors.New("audio: blob store must not be nil")
	}
	c := &Cache{
		synth:       synth,
		blobs:       blobs,
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		logger:      zap.NewNop(),
		now:         time.Now,
		entries:     make(map[string]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Len reports the number of memoized assets.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) lookup(digest string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[digest]
	return e.ref, ok
}

func (c *Cache) remember(digest, ref string) {
	c.mu.Lock()
	c.entries[digest] = entry{ref: ref, createdAt: c.now()}
	c.mu.Unlock()
}

func objectName(digest string) string {
	return digest + ".mp3"
}

// Synthesize returns the asset for text, producing and storing it on a
// miss. Concurrent misses for the same text may both synthesize; the
// last one stored wins and both refs point at the same object.
func (c *Cache) Synthesize(ctx context.Context, text string) (Asset, error) {
	normalized := Normalize(text)
	if normalized == "" {
		return Asset{}, fmt.Errorf("%w: empty text", ErrSynthesisUnavailable)
	}
	digest := Digest(normalized)
	if ref, ok := c.lookup(digest); ok {
		return Asset{Ref: ref, FromCache: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	name := objectName(digest)
	log := c.logger.With(zap.String("digest", digest))

	exists, err := c.blobs.Exists(ctx, name)
	if err != nil {
		log.Warn("audio blob lookup failed", zap.Error(err))
	}
	if exists {
		ref := c.blobs.URL(name)
		c.remember(digest, ref)
		return Asset{Ref: ref, FromCache: true}, nil
	}

	speech := SpeechText(normalized)
	if speech == "" {
		return Asset{}, fmt.Errorf("%w: nothing speakable", ErrSynthesisUnavailable)
	}
	data, err := c.synth.Synthesize(ctx, speech)
	if err != nil {
		log.Warn("speech synthesis failed", zap.Error(err))
		return Asset{}, fmt.Errorf("%w: %v", ErrSynthesisUnavailable, err)
	}
	if err := c.blobs.Put(ctx, name, data, c.synth.ContentType()); err != nil {
		log.Warn("audio blob write failed", zap.Error(err))
		return Asset{}, fmt.Errorf("%w: %v", ErrSynthesisUnavailable, err)
	}

	ref := c.blobs.URL(name)
	c.remember(digest, ref)
	log.Debug("audio synthesized", zap.Int("bytes", len(data)))
	return Asset{Ref: ref, FromCache: false}, nil
}

// WarmAll synthesizes every phrase in the background and returns at once.
// The returned channel closes when all phrases are done. Failures are
// logged per phrase and do not stop the batch.
func (c *Cache) WarmAll(ctx context.Context, phrases map[string]string) <-chan struct{} {
	done := make(chan struct{})
	ctx = context.WithoutCancel(ctx)

	go func() {
		defer close(done)
		p := pool.New().WithMaxGoroutines(c.concurrency)
		for key, text := range phrases {
			p.Go(func() {
				asset, err := c.Synthesize(ctx, text)
				if err != nil {
					c.logger.Warn("warm phrase failed", zap.String("phrase", key), zap.Error(err))
					return
				}
				c.logger.Info("warm phrase ready",
					zap.String("phrase", key),
					zap.Bool("from_cache", asset.FromCache),
				)
			})
		}
		p.Wait()
	}()
	return done
}

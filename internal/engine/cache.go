package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache creates engines lazily, at most once per key, and hands out the same
// instance to every later caller. Failed creations are not cached.
type Cache struct {
	factory Factory
	group   singleflight.Group
	mu      sync.Mutex
	engines map[Key]Synthesizer
	logger  *slog.Logger
}

func NewCache(factory Factory, log *slog.Logger) *Cache {
	return &Cache{
		factory: factory,
		engines: make(map[Key]Synthesizer),
		logger:  log.With(slog.String("component", "engine-cache")),
	}
}

// Get returns the engine for key, creating it on first use. Concurrent callers
// for the same key share a single creation; onProgress is only invoked for the
// caller that performs it.
func (c *Cache) Get(ctx context.Context, key Key, onProgress func(Progress)) (Synthesizer, error) {
	if s, ok := c.lookup(key); ok {
		return s, nil
	}
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if s, ok := c.lookup(key); ok {
			return s, nil
		}
		onProgress(Progress{Key: key, Stage: StageLoading, Message: "Loading voice engine"})
		c.logger.Info("creating engine", slog.String("key", key.String()))
		s, err := c.factory(ctx, key, onProgress)
		if err != nil {
			return nil, fmt.Errorf("create engine %s: %w", key, err)
		}
		c.mu.Lock()
		c.engines[key] = s
		c.mu.Unlock()
		onProgress(Progress{Key: key, Stage: StageReady, Message: "Voice engine ready"})
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Synthesizer), nil
}

func (c *Cache) lookup(key Key) (Synthesizer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.engines[key]
	return s, ok
}

// Close releases every cached engine that holds resources.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for key, s := range c.engines {
		if closer, ok := s.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close engine %s: %w", key, err))
			}
		}
		delete(c.engines, key)
	}
	return errors.Join(errs...)
}

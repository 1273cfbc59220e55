// Package cache fronts a VerificationStore with an LRU of known completions.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/goodtune/engage/internal/storage"
)

// DefaultTTL bounds how long a cached completion outlives a Clear made by
// another process.
const DefaultTTL = 30 * time.Second

// VerificationCache remembers tokens already known to be completed. Only
// positive answers are cached: a negative answer can go stale as soon as
// another process marks the token. Positive answers expire after the TTL
// because an operator may clear a token through another process.
type VerificationCache struct {
	next      storage.VerificationStore
	completed *expirable.LRU[string, struct{}]
}

// New wraps next with a cache holding up to size completed tokens for ttl.
func New(next storage.VerificationStore, size int, ttl time.Duration) (*VerificationCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("failed to create verification cache: size must be positive, got %d", size)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &VerificationCache{
		next:      next,
		completed: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}, nil
}

func (c *VerificationCache) Has(ctx context.Context, token string) (bool, error) {
	// Get rather than Contains: only Get honours expiry
	if _, ok := c.completed.Get(token); ok {
		return true, nil
	}

	has, err := c.next.Has(ctx, token)
	if err != nil {
		return false, err
	}
	if has {
		c.completed.Add(token, struct{}{})
	}
	return has, nil
}

func (c *VerificationCache) MarkCompleted(ctx context.Context, token string) error {
	if err := c.next.MarkCompleted(ctx, token); err != nil {
		return err
	}
	c.completed.Add(token, struct{}{})
	return nil
}

// Clear evicts the token before clearing it downstream.
func (c *VerificationCache) Clear(ctx context.Context, token string) error {
	c.completed.Remove(token)
	return c.next.Clear(ctx, token)
}

func (c *VerificationCache) ListCompleted(ctx context.Context) ([]storage.Verification, error) {
	return c.next.ListCompleted(ctx)
}

// Len reports how many completions are cached.
func (c *VerificationCache) Len() int {
	return c.completed.Len()
}

// Store wraps a storage.Store so its Verifications go through the cache.
type Store struct {
	storage.Store
	verifications *VerificationCache
}

// Wrap returns store with a cached VerificationStore of the given size and TTL.
func Wrap(store storage.Store, size int, ttl time.Duration) (*Store, error) {
	verifications, err := New(store.Verifications(), size, ttl)
	if err != nil {
		return nil, err
	}
	return &Store{Store: store, verifications: verifications}, nil
}

func (s *Store) Verifications() storage.VerificationStore {
	return s.verifications
}

package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goodtune/engage/internal/storage"
	"github.com/goodtune/engage/internal/storage/memory"
)

// countingStore counts Has lookups that reach the backing store.
type countingStore struct {
	storage.VerificationStore
	hasCalls int
	failHas  error
}

func (c *countingStore) Has(ctx context.Context, token string) (bool, error) {
	c.hasCalls++
	if c.failHas != nil {
		return false, c.failHas
	}
	return c.VerificationStore.Has(ctx, token)
}

func TestHasCachesPositiveAnswers(t *testing.T) {
	backing := &countingStore{VerificationStore: memory.New().Verifications()}
	c, err := New(backing, 16, time.Minute)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()

	_ = backing.MarkCompleted(ctx, "sess-1")

	for i := 0; i < 3; i++ {
		has, err := c.Has(ctx, "sess-1")
		if err != nil || !has {
			t.Fatalf("expected cached completion, got %v %v", has, err)
		}
	}
	if backing.hasCalls != 1 {
		t.Fatalf("expected 1 backing lookup, got %d", backing.hasCalls)
	}
}

func TestHasDoesNotCacheNegativeAnswers(t *testing.T) {
	backing := &countingStore{VerificationStore: memory.New().Verifications()}
	c, _ := New(backing, 16, time.Minute)
	ctx := context.Background()

	has, _ := c.Has(ctx, "sess-1")
	if has {
		t.Fatal("expected fresh token to be absent")
	}

	// Marked behind the cache's back, e.g. by another process
	_ = backing.VerificationStore.MarkCompleted(ctx, "sess-1")

	has, _ = c.Has(ctx, "sess-1")
	if !has {
		t.Fatal("expected completion made elsewhere to be visible")
	}
	if backing.hasCalls != 2 {
		t.Fatalf("expected 2 backing lookups, got %d", backing.hasCalls)
	}
}

func TestMarkCompletedPopulatesAndClearEvicts(t *testing.T) {
	backing := &countingStore{VerificationStore: memory.New().Verifications()}
	c, _ := New(backing, 16, time.Minute)
	ctx := context.Background()

	if err := c.MarkCompleted(ctx, "sess-1"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 cached token, got %d", c.Len())
	}

	if err := c.Clear(ctx, "sess-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	has, _ := c.Has(ctx, "sess-1")
	if has {
		t.Fatal("expected cleared token to be absent")
	}
}

func TestHasPropagatesErrors(t *testing.T) {
	boom := errors.New("backend down")
	backing := &countingStore{VerificationStore: memory.New().Verifications(), failHas: boom}
	c, _ := New(backing, 16, time.Minute)

	if _, err := c.Has(context.Background(), "sess-1"); !errors.Is(err, boom) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestNewRejectsInvalidSize(t *testing.T) {
	if _, err := New(memory.New().Verifications(), 0, time.Minute); err == nil {
		t.Fatal("expected error for zero size")
	}
}

func TestWrap(t *testing.T) {
	store, err := Wrap(memory.New(), 8, time.Minute)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if _, ok := store.Verifications().(*VerificationCache); !ok {
		t.Fatalf("expected cached verifications, got %T", store.Verifications())
	}
}

func TestClearByAnotherInstanceExpires(t *testing.T) {
	shared := memory.New().Verifications()
	server, _ := New(shared, 16, 50*time.Millisecond)
	operator, _ := New(shared, 16, 50*time.Millisecond)
	ctx := context.Background()

	if err := server.MarkCompleted(ctx, "sess-1"); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := operator.Clear(ctx, "sess-1"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if has, _ := shared.Has(ctx, "sess-1"); has {
		t.Fatal("expected backend to be cleared")
	}

	time.Sleep(150 * time.Millisecond)

	has, err := server.Has(ctx, "sess-1")
	if err != nil {
		t.Fatalf("has: %v", err)
	}
	if has {
		t.Fatal("expected cached completion to expire after a clear elsewhere")
	}
}

func TestZeroTTLUsesDefault(t *testing.T) {
	c, err := New(memory.New().Verifications(), 4, 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	ctx := context.Background()

	_ = c.MarkCompleted(ctx, "sess-1")
	if has, _ := c.Has(ctx, "sess-1"); !has {
		t.Fatal("expected completion cached under the default TTL")
	}
}

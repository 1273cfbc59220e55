package session

import (
	"context"
	"sync"

	"github.com/goodtune/engage/internal/storage"
)

// verifiedTokens remembers every completion this process has seen, in front
// of the durable store. A completion whose durable write failed is still
// known here, so ending and restarting the session cannot complete and claim
// it a second time.
type verifiedTokens struct {
	next storage.VerificationStore

	mu     sync.RWMutex
	tokens map[string]struct{}
}

func newVerifiedTokens(next storage.VerificationStore) *verifiedTokens {
	return &verifiedTokens{next: next, tokens: make(map[string]struct{})}
}

func (v *verifiedTokens) Has(ctx context.Context, token string) (bool, error) {
	v.mu.RLock()
	_, ok := v.tokens[token]
	v.mu.RUnlock()
	if ok {
		return true, nil
	}
	return v.next.Has(ctx, token)
}

// MarkCompleted records the token locally before the durable write, which
// may fail.
func (v *verifiedTokens) MarkCompleted(ctx context.Context, token string) error {
	v.mu.Lock()
	v.tokens[token] = struct{}{}
	v.mu.Unlock()
	return v.next.MarkCompleted(ctx, token)
}

func (v *verifiedTokens) Clear(ctx context.Context, token string) error {
	v.mu.Lock()
	delete(v.tokens, token)
	v.mu.Unlock()
	return v.next.Clear(ctx, token)
}

func (v *verifiedTokens) ListCompleted(ctx context.Context) ([]storage.Verification, error) {
	return v.next.ListCompleted(ctx)
}

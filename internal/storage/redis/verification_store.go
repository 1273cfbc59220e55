package redis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/engage/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	markCompleted     = redis.NewScript(markCompletedScript)
	clearVerification = redis.NewScript(clearVerificationScript)
)

type verificationStore struct {
	client *redis.Client
}

// Has reports whether the token has already produced a completion
func (s *verificationStore) Has(ctx context.Context, token string) (bool, error) {
	n, err := s.client.Exists(ctx, verifiedKey(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkCompleted records the token as completed. Repeated calls are no-ops.
func (s *verificationStore) MarkCompleted(ctx context.Context, token string) error {
	keys := []string{verifiedKey(token), verifiedIndexKey}
	args := []interface{}{token, time.Now().UTC().Format(time.RFC3339Nano)}

	return markCompleted.Run(ctx, s.client, keys, args...).Err()
}

// Clear removes a completion record
func (s *verificationStore) Clear(ctx context.Context, token string) error {
	keys := []string{verifiedKey(token), verifiedIndexKey}

	return clearVerification.Run(ctx, s.client, keys, token).Err()
}

// ListCompleted returns every recorded completion, oldest first
func (s *verificationStore) ListCompleted(ctx context.Context) ([]storage.Verification, error) {
	tokens, err := s.client.SMembers(ctx, verifiedIndexKey).Result()
	if err != nil {
		return nil, err
	}

	if len(tokens) == 0 {
		return []storage.Verification{}, nil
	}

	// Use pipeline for batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(tokens))

	for i, token := range tokens {
		cmds[i] = pipe.Get(ctx, verifiedKey(token))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	verifications := make([]storage.Verification, 0, len(tokens))
	for i, cmd := range cmds {
		value, err := cmd.Result()
		if err != nil {
			continue
		}

		completedAt, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return nil, fmt.Errorf("failed to parse completed_at for %s: %w", tokens[i], err)
		}

		verifications = append(verifications, storage.Verification{
			SessionToken: tokens[i],
			CompletedAt:  completedAt,
		})
	}

	sort.Slice(verifications, func(i, j int) bool {
		return verifications[i].CompletedAt.Before(verifications[j].CompletedAt)
	})

	return verifications, nil
}

package redis

import (
	"context"
	"time"

	"github.com/goodtune/engage/internal/storage"
	"github.com/redis/go-redis/v9"
)

var upsertSession = redis.NewScript(upsertSessionScript)

type sessionStore struct {
	client *redis.Client
}

// UpsertSession creates or updates a session snapshot
func (s *sessionStore) UpsertSession(ctx context.Context, session storage.EngagementSession) error {
	keys := []string{sessionKey(session.SessionToken), activeSessionsKey}
	args := []interface{}{
		session.SessionToken,
		session.ThresholdSeconds,
		session.AccumulatedSeconds,
		formatBool(session.Playing),
		formatBool(session.PageVisible),
		formatBool(session.Completed),
		session.StartedAt.Format(time.RFC3339Nano),
		session.LastActivity.Format(time.RFC3339Nano),
		formatBool(session.Active),
		inactiveSessionTTL,
	}

	return upsertSession.Run(ctx, s.client, keys, args...).Err()
}

// GetSession retrieves a session snapshot by token
func (s *sessionStore) GetSession(ctx context.Context, token string) (*storage.EngagementSession, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(token)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseEngagementSession(data)
}

// DeleteSession removes a session snapshot
func (s *sessionStore) DeleteSession(ctx context.Context, token string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, sessionKey(token))
	pipe.SRem(ctx, activeSessionsKey, token)

	_, err := pipe.Exec(ctx)
	return err
}

// ListActiveSessions returns all active session snapshots
func (s *sessionStore) ListActiveSessions(ctx context.Context) ([]storage.EngagementSession, error) {
	tokens, err := s.client.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return nil, err
	}

	if len(tokens) == 0 {
		return []storage.EngagementSession{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(tokens))

	for i, token := range tokens {
		cmds[i] = pipe.HGetAll(ctx, sessionKey(token))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	sessions := make([]storage.EngagementSession, 0, len(tokens))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		session, err := parseEngagementSession(data)
		if err == nil {
			sessions = append(sessions, *session)
		}
	}

	return sessions, nil
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/engage/internal/config"
	"github.com/goodtune/engage/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "engage:"

	// verifiedIndexKey holds every completed session token.
	verifiedIndexKey = keyPrefix + "verified:index"

	// activeSessionsKey holds the tokens of all active sessions.
	activeSessionsKey = keyPrefix + "sessions:active"

	// inactiveSessionTTL bounds how long ended session snapshots are kept (90 days).
	inactiveSessionTTL = 7776000
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client            *redis.Client
	verificationStore *verificationStore
	sessionStore      *sessionStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{
		client:            client,
		verificationStore: &verificationStore{client: client},
		sessionStore:      &sessionStore{client: client},
	}, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Verifications returns the VerificationStore implementation
func (s *Store) Verifications() storage.VerificationStore {
	return s.verificationStore
}

// Sessions returns the SessionStore implementation
func (s *Store) Sessions() storage.SessionStore {
	return s.sessionStore
}

func verifiedKey(token string) string {
	return keyPrefix + storage.VerifiedKey(token)
}

func sessionKey(token string) string {
	return keyPrefix + "session:" + token
}

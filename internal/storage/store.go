package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Verifications() VerificationStore
	Sessions() SessionStore
}

// VerificationStore is the durable idempotency store. A token recorded here
// has already produced a completion and must never produce another one.
type VerificationStore interface {
	Has(ctx context.Context, token string) (bool, error)
	MarkCompleted(ctx context.Context, token string) error
	Clear(ctx context.Context, token string) error
	ListCompleted(ctx context.Context) ([]Verification, error)
}

// SessionStore keeps snapshots of engagement sessions for inspection.
type SessionStore interface {
	UpsertSession(ctx context.Context, session EngagementSession) error
	GetSession(ctx context.Context, token string) (*EngagementSession, error)
	DeleteSession(ctx context.Context, token string) error
	ListActiveSessions(ctx context.Context) ([]EngagementSession, error)
}

// Package memory provides a process-local storage.Store. Completions do not
// survive a restart, so it is meant for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/engage/internal/storage"
)

// Store keeps all records in maps guarded by a single mutex.
type Store struct {
	mu            sync.RWMutex
	verifications map[string]storage.Verification
	sessions      map[string]storage.EngagementSession
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		verifications: make(map[string]storage.Verification),
		sessions:      make(map[string]storage.EngagementSession),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Verifications() storage.VerificationStore { return (*verificationStore)(s) }

func (s *Store) Sessions() storage.SessionStore { return (*sessionStore)(s) }

type verificationStore Store

func (s *verificationStore) Has(_ context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.verifications[storage.VerifiedKey(token)]
	return ok, nil
}

func (s *verificationStore) MarkCompleted(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.VerifiedKey(token)
	if _, ok := s.verifications[key]; !ok {
		s.verifications[key] = storage.Verification{SessionToken: token, CompletedAt: time.Now().UTC()}
	}
	return nil
}

func (s *verificationStore) Clear(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.verifications, storage.VerifiedKey(token))
	return nil
}

func (s *verificationStore) ListCompleted(_ context.Context) ([]storage.Verification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Verification, 0, len(s.verifications))
	for _, v := range s.verifications {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompletedAt.Before(out[j].CompletedAt) })
	return out, nil
}

type sessionStore Store

func (s *sessionStore) UpsertSession(_ context.Context, session storage.EngagementSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionToken] = session
	return nil
}

func (s *sessionStore) GetSession(_ context.Context, token string) (*storage.EngagementSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[token]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &session, nil
}

func (s *sessionStore) DeleteSession(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *sessionStore) ListActiveSessions(_ context.Context) ([]storage.EngagementSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []storage.EngagementSession{}
	for _, session := range s.sessions {
		if session.Active {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

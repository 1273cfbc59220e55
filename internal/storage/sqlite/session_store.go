package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/engage/internal/storage"
)

type sessionStore struct {
	db *sql.DB
}

const sessionColumns = `session_token, threshold_seconds, accumulated_seconds, playing, page_visible, completed, started_at, last_activity, active`

func (s *sessionStore) UpsertSession(ctx context.Context, session storage.EngagementSession) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO engagement_sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_token) DO UPDATE SET
				threshold_seconds = excluded.threshold_seconds,
				accumulated_seconds = excluded.accumulated_seconds,
				playing = excluded.playing,
				page_visible = excluded.page_visible,
				completed = excluded.completed,
				started_at = excluded.started_at,
				last_activity = excluded.last_activity,
				active = excluded.active`,
			session.SessionToken,
			session.ThresholdSeconds,
			session.AccumulatedSeconds,
			session.Playing,
			session.PageVisible,
			session.Completed,
			session.StartedAt.Format(time.RFC3339Nano),
			session.LastActivity.Format(time.RFC3339Nano),
			session.Active,
		)
		return err
	})
}

func (s *sessionStore) GetSession(ctx context.Context, token string) (*storage.EngagementSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM engagement_sessions WHERE session_token = ?`, token)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *sessionStore) DeleteSession(ctx context.Context, token string) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM engagement_sessions WHERE session_token = ?`, token)
		return err
	})
}

func (s *sessionStore) ListActiveSessions(ctx context.Context) ([]storage.EngagementSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM engagement_sessions WHERE active = 1 ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []storage.EngagementSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}

	return sessions, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*storage.EngagementSession, error) {
	var session storage.EngagementSession
	var startedAt, lastActivity string

	if err := row.Scan(
		&session.SessionToken,
		&session.ThresholdSeconds,
		&session.AccumulatedSeconds,
		&session.Playing,
		&session.PageVisible,
		&session.Completed,
		&startedAt,
		&lastActivity,
		&session.Active,
	); err != nil {
		return nil, err
	}

	var err error
	if session.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if session.LastActivity, err = time.Parse(time.RFC3339Nano, lastActivity); err != nil {
		return nil, fmt.Errorf("parse last_activity: %w", err)
	}

	return &session, nil
}

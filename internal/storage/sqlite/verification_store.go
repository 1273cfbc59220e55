package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goodtune/engage/internal/storage"
)

type verificationStore struct {
	db *sql.DB
}

func (s *verificationStore) Has(ctx context.Context, token string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM verifications WHERE verified_key = ?`,
		storage.VerifiedKey(token),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query verification: %w", err)
	}
	return n > 0, nil
}

// MarkCompleted keeps the first completed_at for a token.
func (s *verificationStore) MarkCompleted(ctx context.Context, token string) error {
	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO verifications (verified_key, session_token, completed_at) VALUES (?, ?, ?)`,
			storage.VerifiedKey(token), token, completedAt,
		)
		return err
	})
}

func (s *verificationStore) Clear(ctx context.Context, token string) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM verifications WHERE verified_key = ?`,
			storage.VerifiedKey(token),
		)
		return err
	})
}

func (s *verificationStore) ListCompleted(ctx context.Context) ([]storage.Verification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_token, completed_at FROM verifications ORDER BY completed_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list verifications: %w", err)
	}
	defer rows.Close()

	verifications := []storage.Verification{}
	for rows.Next() {
		var v storage.Verification
		var completedAt string
		if err := rows.Scan(&v.SessionToken, &completedAt); err != nil {
			return nil, fmt.Errorf("scan verification: %w", err)
		}
		if v.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		verifications = append(verifications, v)
	}

	return verifications, rows.Err()
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"jaspire/internal/domain/linking"
)

const sessionColumns = `id, user_id, provider, status, link_token, session_url, provider_ref,
	failure_reason, claimed_at, created_at, expires_at, updated_at`

type SessionRepository struct {
	db *DB
}

func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

var _ linking.SessionRepository = (*SessionRepository)(nil)

func (r *SessionRepository) Create(ctx context.Context, s *linking.LinkSession) error {
	query := `
		INSERT INTO link_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.UserID, string(s.Provider), string(s.Status),
		nullString(s.LinkToken), nullString(s.SessionURL), nullString(s.ProviderRef),
		nullString(s.FailureReason), nullTime(s.ClaimedAt),
		s.CreatedAt, s.ExpiresAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("link session %s already exists: %w", s.ID, err)
		}
		return fmt.Errorf("failed to create link session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*linking.LinkSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM link_sessions WHERE id = $1`

	s, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, linking.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link session: %w", err)
	}
	return s, nil
}

// Claim marks a PENDING, unclaimed session as being exchanged. Postgres row
// locking makes the conditional update the single point of mutual exclusion.
func (r *SessionRepository) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE link_sessions
		SET claimed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'PENDING' AND claimed_at IS NULL
	`
	return r.execAffected(ctx, "claim", query, id, now)
}

func (r *SessionRepository) Transition(ctx context.Context, id string, from, to linking.SessionStatus, reason string, now time.Time) (bool, error) {
	query := `
		UPDATE link_sessions
		SET status = $3, failure_reason = $4, updated_at = $5
		WHERE id = $1 AND status = $2
	`
	return r.execAffected(ctx, "transition", query, id, string(from), string(to), nullString(reason), now)
}

func (r *SessionRepository) ExpirePending(ctx context.Context, now, claimedBefore time.Time) (int64, error) {
	query := `
		UPDATE link_sessions
		SET status = 'EXPIRED', failure_reason = 'expired', updated_at = $1
		WHERE status = 'PENDING' AND expires_at <= $1
		  AND (claimed_at IS NULL OR claimed_at <= $2)
	`
	result, err := r.db.ExecContext(ctx, query, now, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to expire link sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (r *SessionRepository) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to %s link session: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func scanSession(row rowScanner) (*linking.LinkSession, error) {
	var s linking.LinkSession
	var provider, status string
	var linkToken, sessionURL, providerRef, failureReason sql.NullString
	var claimedAt sql.NullTime

	err := row.Scan(
		&s.ID, &s.UserID, &provider, &status,
		&linkToken, &sessionURL, &providerRef,
		&failureReason, &claimedAt,
		&s.CreatedAt, &s.ExpiresAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Provider = linking.Provider(provider)
	s.Status = linking.SessionStatus(status)
	s.LinkToken = linkToken.String
	s.SessionURL = sessionURL.String
	s.ProviderRef = providerRef.String
	s.FailureReason = failureReason.String
	if claimedAt.Valid {
		t := claimedAt.Time.UTC()
		s.ClaimedAt = &t
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

package twofactor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rategate/internal/ratelimit/models"
)

// PostgresAttemptStore persists 2FA attempt rows in PostgreSQL.
type PostgresAttemptStore struct {
	db *sql.DB
}

// NewPostgresAttemptStore constructs a PostgreSQL-backed attempt store.
func NewPostgresAttemptStore(db *sql.DB) *PostgresAttemptStore {
	return &PostgresAttemptStore{db: db}
}

func (s *PostgresAttemptStore) Append(ctx context.Context, attempt *models.TwoFactorAttempt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO two_factor_attempts (id, user_identifier, ip, success, attempt_type, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, attempt.ID, attempt.UserIdentifier, attempt.IP, attempt.Success,
		string(attempt.AttemptType), attempt.AttemptedAt)
	if err != nil {
		return fmt.Errorf("append 2fa attempt: %w", err)
	}
	return nil
}

func (s *PostgresAttemptStore) UserFailures(ctx context.Context, user string, since time.Time) (int, time.Time, error) {
	var (
		count  int
		latest sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), MAX(attempted_at)
		FROM two_factor_attempts
		WHERE user_identifier = $1 AND success = FALSE AND attempted_at >= $2
	`, user, since).Scan(&count, &latest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count user 2fa failures: %w", err)
	}
	if !latest.Valid {
		return count, time.Time{}, nil
	}
	return count, latest.Time, nil
}

func (s *PostgresAttemptStore) IPFailures(ctx context.Context, ip string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM two_factor_attempts
		WHERE ip = $1 AND success = FALSE AND attempted_at >= $2
	`, ip, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ip 2fa failures: %w", err)
	}
	return count, nil
}

func (s *PostgresAttemptStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM two_factor_attempts WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete 2fa attempts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete 2fa attempts: %w", err)
	}
	return int(affected), nil
}

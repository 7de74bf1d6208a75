package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"rategate/internal/ratelimit/models"
)

// PostgresPolicyStore persists rate limit policies in PostgreSQL.
type PostgresPolicyStore struct {
	db *sql.DB
}

// NewPostgresPolicyStore constructs a PostgreSQL-backed policy store.
func NewPostgresPolicyStore(db *sql.DB) *PostgresPolicyStore {
	return &PostgresPolicyStore{db: db}
}

const policyColumns = `id, name, is_active,
	login_ip_limit_minute, login_ip_limit_hour, login_ip_limit_day,
	login_user_limit_minute, login_user_limit_hour, login_user_limit_day,
	api_ip_limit_minute, api_ip_limit_hour,
	api_user_limit_minute, api_user_limit_hour,
	ip_lockout_seconds, user_lockout_seconds,
	enable_progressive_delays, suspicious_activity_threshold,
	created_at, updated_at`

func (s *PostgresPolicyStore) GetActive(ctx context.Context) (*models.Policy, error) {
	var p models.Policy
	err := s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+`
		FROM rate_limit_policies
		WHERE is_active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1
	`).Scan(&p.ID, &p.Name, &p.IsActive,
		&p.LoginIPLimitMinute, &p.LoginIPLimitHour, &p.LoginIPLimitDay,
		&p.LoginUserLimitMinute, &p.LoginUserLimitHour, &p.LoginUserLimitDay,
		&p.APIIPLimitMinute, &p.APIIPLimitHour,
		&p.APIUserLimitMinute, &p.APIUserLimitHour,
		&p.IPLockoutSeconds, &p.UserLockoutSeconds,
		&p.EnableProgressiveDelays, &p.SuspiciousActivityThreshold,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active policy: %w", err)
	}
	return &p, nil
}

// Save upserts a policy by name inside a transaction, demoting other active
// policies first so exactly one stays active.
func (s *PostgresPolicyStore) Save(ctx context.Context, policy *models.Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin policy tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if policy.IsActive {
		if _, err := tx.ExecContext(ctx, `
			UPDATE rate_limit_policies SET is_active = FALSE WHERE name <> $1
		`, policy.Name); err != nil {
			return fmt.Errorf("demote policies: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limit_policies (`+policyColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (name) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			login_ip_limit_minute = EXCLUDED.login_ip_limit_minute,
			login_ip_limit_hour = EXCLUDED.login_ip_limit_hour,
			login_ip_limit_day = EXCLUDED.login_ip_limit_day,
			login_user_limit_minute = EXCLUDED.login_user_limit_minute,
			login_user_limit_hour = EXCLUDED.login_user_limit_hour,
			login_user_limit_day = EXCLUDED.login_user_limit_day,
			api_ip_limit_minute = EXCLUDED.api_ip_limit_minute,
			api_ip_limit_hour = EXCLUDED.api_ip_limit_hour,
			api_user_limit_minute = EXCLUDED.api_user_limit_minute,
			api_user_limit_hour = EXCLUDED.api_user_limit_hour,
			ip_lockout_seconds = EXCLUDED.ip_lockout_seconds,
			user_lockout_seconds = EXCLUDED.user_lockout_seconds,
			enable_progressive_delays = EXCLUDED.enable_progressive_delays,
			suspicious_activity_threshold = EXCLUDED.suspicious_activity_threshold,
			updated_at = EXCLUDED.updated_at
	`, policy.ID, policy.Name, policy.IsActive,
		policy.LoginIPLimitMinute, policy.LoginIPLimitHour, policy.LoginIPLimitDay,
		policy.LoginUserLimitMinute, policy.LoginUserLimitHour, policy.LoginUserLimitDay,
		policy.APIIPLimitMinute, policy.APIIPLimitHour,
		policy.APIUserLimitMinute, policy.APIUserLimitHour,
		policy.IPLockoutSeconds, policy.UserLockoutSeconds,
		policy.EnableProgressiveDelays, policy.SuspiciousActivityThreshold,
		policy.CreatedAt, policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save policy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit policy tx: %w", err)
	}
	return nil
}

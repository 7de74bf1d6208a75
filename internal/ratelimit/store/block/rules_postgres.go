package block

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rategate/internal/ratelimit/models"
)

// PostgresRuleStore persists escalation rules in PostgreSQL.
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore constructs a PostgreSQL-backed rule store.
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

func (s *PostgresRuleStore) Put(ctx context.Context, rule *models.BlockRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO block_rules (id, name, description, path_pattern, max_attempts, block_duration_seconds, permanent, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			path_pattern = EXCLUDED.path_pattern,
			max_attempts = EXCLUDED.max_attempts,
			block_duration_seconds = EXCLUDED.block_duration_seconds,
			permanent = EXCLUDED.permanent,
			active = EXCLUDED.active
	`, rule.ID, rule.Name, rule.Description, rule.PathPattern, rule.MaxAttempts,
		int(rule.BlockDuration/time.Second), rule.Permanent, rule.Active, rule.CreatedAt)
	if err != nil {
		return fmt.Errorf("put block rule: %w", err)
	}
	return nil
}

func (s *PostgresRuleStore) ListActive(ctx context.Context) ([]*models.BlockRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, path_pattern, max_attempts, block_duration_seconds, permanent, active, created_at
		FROM block_rules
		WHERE active = TRUE
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list block rules: %w", err)
	}
	defer rows.Close()

	out := make([]*models.BlockRule, 0)
	for rows.Next() {
		var (
			rule            models.BlockRule
			durationSeconds int
		)
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.Description, &rule.PathPattern,
			&rule.MaxAttempts, &durationSeconds, &rule.Permanent, &rule.Active, &rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan block rule: %w", err)
		}
		rule.BlockDuration = time.Duration(durationSeconds) * time.Second
		out = append(out, &rule)
	}
	return out, rows.Err()
}

package block

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rategate/internal/ratelimit/models"

	"github.com/google/uuid"
)

// PostgresBlockStore persists block records in PostgreSQL. Escalations and
// manual blocks run in a transaction under a per-IP advisory lock so
// concurrent writers for the same IP serialize instead of losing attempt
// counts.
type PostgresBlockStore struct {
	db *sql.DB
}

// NewPostgresBlockStore constructs a PostgreSQL-backed block store.
func NewPostgresBlockStore(db *sql.DB) *PostgresBlockStore {
	return &PostgresBlockStore{db: db}
}

const blockColumns = `id, ip, reason, blocked_at, expires_at, permanent, active, attempt_count, last_attempt_at, rule_id, blocked_by, notes`

func (s *PostgresBlockStore) Get(ctx context.Context, ip string) (*models.BlockRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+blockColumns+`
		FROM block_records
		WHERE ip = $1
	`, ip)
	record, err := scanBlockRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get block record: %w", err)
	}
	return record, nil
}

// Block applies a manual block under the same per-IP advisory lock that
// Escalate takes, so an escalation landing at the same moment cannot lose
// its attempt-count bump to the manual write.
func (s *PostgresBlockStore) Block(ctx context.Context, ip, reason, blockedBy string, duration time.Duration, permanent bool, now time.Time) (*models.BlockRecord, error) {
	if ip == "" {
		return nil, fmt.Errorf("block record ip is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin block tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, ip); err != nil {
		return nil, fmt.Errorf("acquire block lock: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM block_records WHERE ip = $1`, ip)
	record, err := scanBlockRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		record = &models.BlockRecord{
			ID: uuid.New(),
			IP: ip,
		}
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("load block record: %w", err)
	}

	applyManualBlock(record, reason, blockedBy, duration, permanent, now)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO block_records (`+blockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (ip) DO UPDATE SET
			reason = EXCLUDED.reason,
			blocked_at = EXCLUDED.blocked_at,
			expires_at = EXCLUDED.expires_at,
			permanent = EXCLUDED.permanent,
			active = EXCLUDED.active,
			attempt_count = EXCLUDED.attempt_count,
			last_attempt_at = EXCLUDED.last_attempt_at,
			rule_id = EXCLUDED.rule_id,
			blocked_by = EXCLUDED.blocked_by,
			notes = EXCLUDED.notes
	`, record.ID, record.IP, record.Reason, record.BlockedAt, record.ExpiresAt,
		record.Permanent, record.Active, record.AttemptCount, record.LastAttemptAt,
		record.RuleID, record.BlockedBy, record.Notes)
	if err != nil {
		return nil, fmt.Errorf("save block record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit block tx: %w", err)
	}
	return record, nil
}

func (s *PostgresBlockStore) Escalate(ctx context.Context, ip string, rule *models.BlockRule, now time.Time) (*models.BlockRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin escalation tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, ip); err != nil {
		return nil, fmt.Errorf("acquire block lock: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM block_records WHERE ip = $1`, ip)
	record, err := scanBlockRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		record = &models.BlockRecord{
			ID:        uuid.New(),
			IP:        ip,
			BlockedAt: now,
		}
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("load block record: %w", err)
	}

	applyEscalation(record, rule, now)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO block_records (`+blockColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (ip) DO UPDATE SET
			reason = EXCLUDED.reason,
			blocked_at = EXCLUDED.blocked_at,
			expires_at = EXCLUDED.expires_at,
			permanent = EXCLUDED.permanent,
			active = EXCLUDED.active,
			attempt_count = EXCLUDED.attempt_count,
			last_attempt_at = EXCLUDED.last_attempt_at,
			rule_id = EXCLUDED.rule_id
	`, record.ID, record.IP, record.Reason, record.BlockedAt, record.ExpiresAt,
		record.Permanent, record.Active, record.AttemptCount, record.LastAttemptAt,
		record.RuleID, record.BlockedBy, record.Notes)
	if err != nil {
		return nil, fmt.Errorf("save block record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit escalation tx: %w", err)
	}
	return record, nil
}

func (s *PostgresBlockStore) Deactivate(ctx context.Context, ip string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE block_records SET active = FALSE WHERE ip = $1 AND active = TRUE
	`, ip)
	if err != nil {
		return false, fmt.Errorf("deactivate block record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivate block record: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresBlockStore) ListActive(ctx context.Context) ([]*models.BlockRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+blockColumns+`
		FROM block_records
		WHERE active = TRUE
		ORDER BY blocked_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active block records: %w", err)
	}
	defer rows.Close()

	out := make([]*models.BlockRecord, 0)
	for rows.Next() {
		record, err := scanBlockRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block record: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *PostgresBlockStore) DeleteExpiredInactive(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM block_records
		WHERE active = FALSE AND permanent = FALSE AND expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired block records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired block records: %w", err)
	}
	return int(affected), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlockRecord(row rowScanner) (*models.BlockRecord, error) {
	var (
		record    models.BlockRecord
		expiresAt sql.NullTime
		ruleID    uuid.NullUUID
		blockedBy sql.NullString
		notes     sql.NullString
	)
	err := row.Scan(&record.ID, &record.IP, &record.Reason, &record.BlockedAt,
		&expiresAt, &record.Permanent, &record.Active, &record.AttemptCount,
		&record.LastAttemptAt, &ruleID, &blockedBy, &notes)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		record.ExpiresAt = &expiresAt.Time
	}
	if ruleID.Valid {
		record.RuleID = &ruleID.UUID
	}
	record.BlockedBy = blockedBy.String
	record.Notes = notes.String
	return &record, nil
}

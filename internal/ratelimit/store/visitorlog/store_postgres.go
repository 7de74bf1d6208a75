package visitorlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"rategate/internal/ratelimit/models"
)

// PostgresVisitorLogStore persists telemetry rows in PostgreSQL.
type PostgresVisitorLogStore struct {
	db *sql.DB
}

// NewPostgresVisitorLogStore constructs a PostgreSQL-backed visitor log store.
func NewPostgresVisitorLogStore(db *sql.DB) *PostgresVisitorLogStore {
	return &PostgresVisitorLogStore{db: db}
}

const visitorColumns = `id, user_identifier, ip, path, method, authenticated, attempted_username,
	status_code, suspicious, user_agent, device_class, session_key, requested_at, unix_timestamp`

func (s *PostgresVisitorLogStore) Append(ctx context.Context, entry *models.VisitorLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visitor_logs (`+visitorColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, entry.ID, entry.UserIdentifier, entry.IP, entry.Path, entry.Method,
		entry.Authenticated, entry.AttemptedUsername, entry.StatusCode, entry.Suspicious,
		entry.UserAgent, entry.DeviceClass, entry.SessionKey, entry.RequestedAt, entry.UnixTimestamp)
	if err != nil {
		return fmt.Errorf("append visitor log: %w", err)
	}
	return nil
}

func (s *PostgresVisitorLogStore) List(ctx context.Context, filter Filter) ([]*models.VisitorLog, int, error) {
	where, args := buildWhere(filter)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM visitor_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count visitor logs: %w", err)
	}

	query := `SELECT ` + visitorColumns + ` FROM visitor_logs` + where +
		` ORDER BY requested_at DESC` +
		fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list visitor logs: %w", err)
	}
	defer rows.Close()

	out := make([]*models.VisitorLog, 0)
	for rows.Next() {
		var e models.VisitorLog
		if err := rows.Scan(&e.ID, &e.UserIdentifier, &e.IP, &e.Path, &e.Method,
			&e.Authenticated, &e.AttemptedUsername, &e.StatusCode, &e.Suspicious,
			&e.UserAgent, &e.DeviceClass, &e.SessionKey, &e.RequestedAt, &e.UnixTimestamp); err != nil {
			return nil, 0, fmt.Errorf("scan visitor log: %w", err)
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

func (s *PostgresVisitorLogStore) CountSince(ctx context.Context, since time.Time) (total, suspicious int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE suspicious)
		FROM visitor_logs
		WHERE requested_at >= $1
	`, since).Scan(&total, &suspicious)
	if err != nil {
		return 0, 0, fmt.Errorf("count visitor logs: %w", err)
	}
	return total, suspicious, nil
}

func (s *PostgresVisitorLogStore) TopSuspiciousIPs(ctx context.Context, since time.Time, limit int) ([]IPCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ip, COUNT(*) AS n
		FROM visitor_logs
		WHERE suspicious AND requested_at >= $1
		GROUP BY ip
		ORDER BY n DESC, ip
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("top suspicious ips: %w", err)
	}
	defer rows.Close()

	out := make([]IPCount, 0)
	for rows.Next() {
		var c IPCount
		if err := rows.Scan(&c.IP, &c.Count); err != nil {
			return nil, fmt.Errorf("scan suspicious ip: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresVisitorLogStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM visitor_logs WHERE requested_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete visitor logs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete visitor logs: %w", err)
	}
	return int(affected), nil
}

func buildWhere(filter Filter) (string, []any) {
	clauses := make([]string, 0, 4)
	args := make([]any, 0, 4)

	if filter.IP != "" {
		args = append(args, filter.IP)
		clauses = append(clauses, fmt.Sprintf("ip = $%d", len(args)))
	}
	if filter.Suspicious != nil {
		args = append(args, *filter.Suspicious)
		clauses = append(clauses, fmt.Sprintf("suspicious = $%d", len(args)))
	}
	if filter.PathSubstr != "" {
		args = append(args, "%"+filter.PathSubstr+"%")
		clauses = append(clauses, fmt.Sprintf("path LIKE $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		clauses = append(clauses, fmt.Sprintf("requested_at >= $%d", len(args)))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

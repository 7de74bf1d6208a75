// Package retention prunes aged rate limiting records: visitor logs past
// their retention window, old second-factor attempts, and block records that
// expired and were deactivated.
package retention

import (
	"context"
	"log/slog"
	"time"

	"rategate/internal/ratelimit/metrics"
)

// Result contains the counts from a single retention run.
type Result struct {
	VisitorLogsDeleted int
	AttemptsDeleted    int
	BlocksDeleted      int
	Duration           time.Duration
}

type VisitorLogStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type AttemptStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

type BlockStore interface {
	DeleteExpiredInactive(ctx context.Context, cutoff time.Time) (int, error)
}

type Option func(*Worker)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithVisitorLogRetention overrides how long telemetry is kept.
func WithVisitorLogRetention(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.visitorLogRetention = d
		}
	}
}

// WithAttemptRetention overrides how long second-factor attempts are kept.
func WithAttemptRetention(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.attemptRetention = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

type Worker struct {
	visitorLogs VisitorLogStore
	attempts    AttemptStore
	blocks      BlockStore
	logger      *slog.Logger
	metrics     *metrics.Metrics

	interval            time.Duration
	visitorLogRetention time.Duration
	attemptRetention    time.Duration
}

func New(visitorLogs VisitorLogStore, attempts AttemptStore, blocks BlockStore, opts ...Option) *Worker {
	w := &Worker{
		visitorLogs:         visitorLogs,
		attempts:            attempts,
		blocks:              blocks,
		logger:              slog.Default(),
		interval:            time.Hour,
		visitorLogRetention: 30 * 24 * time.Hour,
		attemptRetention:    7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			startTime := time.Now()
			res, err := w.RunOnce(ctx)
			duration := time.Since(startTime)

			if err != nil {
				w.logger.Error("rate_limit_retention_failed",
					"error", err,
					"duration_ms", duration.Milliseconds(),
				)
				if w.metrics != nil {
					w.metrics.IncrementRetentionRuns("error")
					w.metrics.ObserveRetentionDuration(duration.Seconds())
				}
				continue
			}

			res.Duration = duration
			w.logger.Info("rate_limit_retention_completed",
				"visitor_logs_deleted", res.VisitorLogsDeleted,
				"attempts_deleted", res.AttemptsDeleted,
				"blocks_deleted", res.BlocksDeleted,
				"duration_ms", duration.Milliseconds(),
			)

			if w.metrics != nil {
				w.metrics.AddRetentionDeleted("visitor_logs", res.VisitorLogsDeleted)
				w.metrics.AddRetentionDeleted("twofactor_attempts", res.AttemptsDeleted)
				w.metrics.AddRetentionDeleted("block_records", res.BlocksDeleted)
				w.metrics.IncrementRetentionRuns("success")
				w.metrics.ObserveRetentionDuration(duration.Seconds())
			}

		case <-ctx.Done():
			w.logger.Info("retention worker stopping", "reason", ctx.Err())
			return ctx.Err()
		}
	}
}

// RunOnce executes a single retention pass. Logging is handled by the
// caller (Start).
func (w *Worker) RunOnce(ctx context.Context) (*Result, error) {
	now := time.Now()

	logsDeleted, err := w.visitorLogs.DeleteOlderThan(ctx, now.Add(-w.visitorLogRetention))
	if err != nil {
		return nil, err
	}
	attemptsDeleted, err := w.attempts.DeleteOlderThan(ctx, now.Add(-w.attemptRetention))
	if err != nil {
		return nil, err
	}
	blocksDeleted, err := w.blocks.DeleteExpiredInactive(ctx, now)
	if err != nil {
		return nil, err
	}

	return &Result{
		VisitorLogsDeleted: logsDeleted,
		AttemptsDeleted:    attemptsDeleted,
		BlocksDeleted:      blocksDeleted,
	}, nil
}

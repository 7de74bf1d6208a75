// Package observability provides audit logging helpers for the ratelimit module.
package observability

import (
	"context"
	"log/slog"

	"rategate/internal/platform/middleware"
)

// LogAudit is the shared helper for logging audit events across ratelimit
// services. Every security-relevant transition (denial, escalation, manual
// block, policy change) goes through it so the audit trail is greppable by
// log_type.
func LogAudit(ctx context.Context, logger *slog.Logger, event string, attrList ...any) {
	if logger == nil {
		return
	}

	if requestID := middleware.GetRequestID(ctx); requestID != "" {
		attrList = append(attrList, "request_id", requestID)
	}

	args := append(attrList, "event", event, "log_type", "audit")
	logger.InfoContext(ctx, event, args...)
}

// Package handler exposes the rate limiting admin surface over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"rategate/internal/platform/middleware"
	"rategate/internal/ratelimit/admin"
	"rategate/internal/ratelimit/models"
	"rategate/internal/ratelimit/store/visitorlog"
	"rategate/internal/transport/httputil"
	dErrors "rategate/pkg/domain-errors"
)

// maxBodySize bounds admin request bodies.
const maxBodySize = 64 * 1024

// Service is the admin operations surface consumed by this handler.
type Service interface {
	Status(ctx context.Context, ip, userIdentifier string) (*admin.StatusReport, error)
	Policy(ctx context.Context) (*models.Policy, error)
	UpdatePolicy(ctx context.Context, policy *models.Policy) error
	VisitorLogs(ctx context.Context, filter visitorlog.Filter) ([]*models.VisitorLog, int, error)
	BlockIP(ctx context.Context, ip, reason, blockedBy string, duration time.Duration, permanent bool) (*models.BlockRecord, error)
	UnblockIP(ctx context.Context, ip string) (bool, error)
	ClearLimits(ctx context.Context, ip string, action models.Action, userIdentifier string) error
	DashboardSummary(ctx context.Context) (*admin.Dashboard, error)
}

// TwoFactorLimiter is the second-factor limiter consulted by auth services.
type TwoFactorLimiter interface {
	IsRateLimited(ctx context.Context, user, ip string) (*models.TwoFactorStatus, error)
	LogAttempt(ctx context.Context, user, ip string, success bool, attemptType models.TwoFactorAttemptType) error
}

type Handler struct {
	service   Service
	twoFactor TwoFactorLimiter
	logger    *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

// WithTwoFactorLimiter adds the second-factor limiter endpoints.
func (h *Handler) WithTwoFactorLimiter(limiter TwoFactorLimiter) *Handler {
	h.twoFactor = limiter
	return h
}

func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/rate-limit/status", h.HandleStatus)
	r.Get("/admin/rate-limit/policy", h.HandleGetPolicy)
	r.Put("/admin/rate-limit/policy", h.HandleUpdatePolicy)
	r.Get("/admin/rate-limit/visitor-logs", h.HandleListVisitorLogs)
	r.Post("/admin/rate-limit/blocks", h.HandleBlockIP)
	r.Delete("/admin/rate-limit/blocks/{ip}", h.HandleUnblockIP)
	r.Post("/admin/rate-limit/clear", h.HandleClearLimits)
	r.Get("/admin/rate-limit/dashboard", h.HandleDashboard)
}

// RegisterInternal mounts the endpoints consumed by sibling services: the
// second-factor limiter check and attempt log.
func (h *Handler) RegisterInternal(r chi.Router) {
	if h.twoFactor == nil {
		return
	}
	r.Post("/internal/2fa/status", h.HandleTwoFactorStatus)
	r.Post("/internal/2fa/attempts", h.HandleLogTwoFactorAttempt)
}

// HandleStatus implements GET /admin/rate-limit/status.
//
// Query: ip (required), user (optional)
// Output: { "ip": "...", "verdicts": { "login": {...}, "api": {...} } }
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	ip := r.URL.Query().Get("ip")
	user := r.URL.Query().Get("user")

	report, err := h.service.Status(ctx, ip, user)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to compute rate limit status",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandleGetPolicy implements GET /admin/rate-limit/policy.
func (h *Handler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	policy, err := h.service.Policy(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load rate limit policy",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, policy)
}

// HandleUpdatePolicy implements PUT /admin/rate-limit/policy.
//
// Input: a full policy document. Partial updates are not supported; callers
// read, modify, and write back.
func (h *Handler) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var policy models.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		h.logger.WarnContext(ctx, "failed to decode policy update",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "Invalid JSON in request body"))
		return
	}

	if err := h.service.UpdatePolicy(ctx, &policy); err != nil {
		h.logger.ErrorContext(ctx, "failed to update rate limit policy",
			"error", err,
			"policy", policy.Name,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &policy)
}

// HandleListVisitorLogs implements GET /admin/rate-limit/visitor-logs.
//
// Query: ip, path, suspicious (true|false), since (RFC 3339), limit, offset.
// Output: { "entries": [...], "total": N, "limit": L, "offset": O }
func (h *Handler) HandleListVisitorLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	filter, err := visitorFilterFromQuery(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	entries, total, err := h.service.VisitorLogs(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list visitor logs",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, &visitorLogPage{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	})
}

type visitorLogPage struct {
	Entries []*models.VisitorLog `json:"entries"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

type blockRequest struct {
	IP              string `json:"ip"`
	Reason          string `json:"reason"`
	BlockedBy       string `json:"blocked_by"`
	DurationSeconds int    `json:"duration_seconds"`
	Permanent       bool   `json:"permanent"`
}

// HandleBlockIP implements POST /admin/rate-limit/blocks.
//
// Input: { "ip": "...", "reason": "...", "blocked_by": "...",
// "duration_seconds": 3600, "permanent": false }
func (h *Handler) HandleBlockIP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req blockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode block request",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "Invalid JSON in request body"))
		return
	}

	record, err := h.service.BlockIP(ctx, req.IP, req.Reason, req.BlockedBy,
		time.Duration(req.DurationSeconds)*time.Second, req.Permanent)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to block ip",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

// HandleUnblockIP implements DELETE /admin/rate-limit/blocks/{ip}.
// Output: 204 when a block was lifted, 404 when nothing was active.
func (h *Handler) HandleUnblockIP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	ip := chi.URLParam(r, "ip")
	lifted, err := h.service.UnblockIP(ctx, ip)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to unblock ip",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	if !lifted {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "No active block for that address"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clearRequest struct {
	IP     string `json:"ip"`
	Action string `json:"action"`
	User   string `json:"user"`
}

// HandleClearLimits implements POST /admin/rate-limit/clear.
//
// Input: { "ip": "...", "action": "login", "user": "..." }
// Output: 204 No Content
func (h *Handler) HandleClearLimits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req clearRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode clear request",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "Invalid JSON in request body"))
		return
	}

	if err := h.service.ClearLimits(ctx, req.IP, models.Action(req.Action), req.User); err != nil {
		h.logger.ErrorContext(ctx, "failed to clear rate limits",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDashboard implements GET /admin/rate-limit/dashboard.
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	summary, err := h.service.DashboardSummary(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to build dashboard summary",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, summary)
}

type twoFactorStatusRequest struct {
	User string `json:"user"`
	IP   string `json:"ip"`
}

// HandleTwoFactorStatus implements POST /internal/2fa/status.
//
// Input: { "user": "...", "ip": "..." }
// Output: the limiter status, including lockout end when locked.
func (h *Handler) HandleTwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req twoFactorStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "Invalid JSON in request body"))
		return
	}

	status, err := h.twoFactor.IsRateLimited(ctx, req.User, req.IP)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to compute 2fa limiter status",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, status)
}

// HandleLogTwoFactorAttempt implements POST /internal/2fa/attempts.
// Output: 204 No Content
func (h *Handler) HandleLogTwoFactorAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req struct {
		User        string `json:"user"`
		IP          string `json:"ip"`
		Success     bool   `json:"success"`
		AttemptType string `json:"attempt_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "Invalid JSON in request body"))
		return
	}

	if err := h.twoFactor.LogAttempt(ctx, req.User, req.IP, req.Success, models.TwoFactorAttemptType(req.AttemptType)); err != nil {
		h.logger.WarnContext(ctx, "failed to log 2fa attempt",
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// visitorFilterFromQuery parses the list filters. Bad values are rejected
// rather than silently ignored.
func visitorFilterFromQuery(r *http.Request) (visitorlog.Filter, error) {
	q := r.URL.Query()
	filter := visitorlog.Filter{
		IP:         q.Get("ip"),
		PathSubstr: q.Get("path"),
	}

	if raw := q.Get("suspicious"); raw != "" {
		val, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, dErrors.New(dErrors.CodeInvalidInput, "suspicious must be true or false")
		}
		filter.Suspicious = &val
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, dErrors.New(dErrors.CodeInvalidInput, "since must be RFC 3339")
		}
		filter.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, dErrors.New(dErrors.CodeInvalidInput, "limit must be a non-negative integer")
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, dErrors.New(dErrors.CodeInvalidInput, "offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}

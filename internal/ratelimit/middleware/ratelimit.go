package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	platformMW "rategate/internal/platform/middleware"
	"rategate/internal/platform/privacy"
	"rategate/internal/ratelimit/interceptor"
	"rategate/internal/ratelimit/models"
	"rategate/internal/transport/httputil"
)

// maxPeekBody bounds how much of a login body is read for the attempted
// username.
const maxPeekBody = 64 << 10

// excludedPrefixes skip rate limiting entirely: static assets, probes, and
// the metrics endpoint.
var excludedPrefixes = []string{
	"/static/",
	"/media/",
	"/health",
	"/metrics",
	"/favicon.ico",
}

// IdentityResolver extracts the authenticated identity from a request.
// Returns the identifier and whether the request is authenticated.
type IdentityResolver func(r *http.Request) (string, bool)

// HeaderIdentity resolves identity from the X-User-ID header, for
// deployments where an upstream gateway authenticates and forwards identity.
func HeaderIdentity(r *http.Request) (string, bool) {
	id := r.Header.Get("X-User-ID")
	return id, id != ""
}

// Middleware enforces rate limit verdicts at the HTTP boundary.
type Middleware struct {
	interceptor *interceptor.Interceptor
	identity    IdentityResolver
	logger      *slog.Logger
}

// New creates the rate limit middleware.
func New(icpt *interceptor.Interceptor, logger *slog.Logger) *Middleware {
	return &Middleware{
		interceptor: icpt,
		identity:    HeaderIdentity,
		logger:      logger,
	}
}

// WithIdentityResolver overrides how the authenticated identity is derived.
func (m *Middleware) WithIdentityResolver(resolver IdentityResolver) *Middleware {
	m.identity = resolver
	return m
}

// RateLimit evaluates the verdict before the handler and records the outcome
// after it. The boundary fails open: an evaluation error logs and admits.
// Denied requests get a 429 and are never recorded against their windows.
func (m *Middleware) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isExcluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		desc := m.describe(r)

		verdict, err := m.interceptor.Evaluate(ctx, desc)
		if err != nil {
			m.logger.ErrorContext(ctx, "rate limit evaluation failed, admitting",
				"ip", privacy.AnonymizeIP(desc.IP),
				"path", desc.Path,
				"error", err,
			)
			next.ServeHTTP(w, r)
			return
		}

		addRateLimitHeaders(w, verdict)

		if verdict.Limited {
			writeLimitExceeded(w, verdict)
			return
		}

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		if err := m.interceptor.Record(ctx, desc, wrapped.status); err != nil {
			m.logger.WarnContext(ctx, "rate limit recording failed",
				"ip", privacy.AnonymizeIP(desc.IP),
				"path", desc.Path,
				"error", err,
			)
		}
	})
}

// describe builds the request descriptor: client IP from the platform
// middleware, action from the path, identity from the resolver, and the
// attempted username peeked from login-family bodies.
func (m *Middleware) describe(r *http.Request) models.RequestDescriptor {
	ctx := r.Context()
	action := interceptor.ActionForPath(r.URL.Path)

	userID, authenticated := "", false
	if m.identity != nil {
		userID, authenticated = m.identity(r)
	}

	desc := models.RequestDescriptor{
		IP:             platformMW.GetClientIP(ctx),
		Path:           r.URL.Path,
		Method:         r.Method,
		Action:         action,
		UserIdentifier: userID,
		Authenticated:  authenticated,
		UserAgent:      r.UserAgent(),
		SessionKey:     sessionKey(r),
	}

	if !authenticated && action.ConfigAction() == models.ActionLogin && r.Method == http.MethodPost {
		desc.AttemptedUsername = peekAttemptedUsername(r)
	}
	return desc
}

// peekAttemptedUsername reads the login body for a username or email field
// and restores it for the handler. Unparseable bodies yield an empty
// identifier rather than an error.
func peekAttemptedUsername(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/json") {
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBody))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))

	var creds struct {
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := json.Unmarshal(body, &creds); err != nil {
		return ""
	}
	if creds.Username != "" {
		return creds.Username
	}
	return creds.Email
}

func sessionKey(r *http.Request) string {
	cookie, err := r.Cookie("sessionid")
	if err != nil {
		return ""
	}
	return cookie.Value
}

func isExcluded(path string) bool {
	for _, prefix := range excludedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// addRateLimitHeaders exposes the minute-window IP diagnostics on every
// response.
func addRateLimitHeaders(w http.ResponseWriter, verdict *models.Verdict) {
	info, ok := verdict.IP.Windows[models.WindowMinute]
	if !ok {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
}

func writeLimitExceeded(w http.ResponseWriter, verdict *models.Verdict) {
	w.Header().Set("Retry-After", strconv.Itoa(verdict.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.LimitExceededResponse{
		Error:      "rate_limit_exceeded",
		Message:    "Too many requests. Please try again later.",
		RetryAfter: verdict.RetryAfter,
		Action:     verdict.Action.String(),
	})
}

// statusRecorder captures the handler's status code for outcome recording.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

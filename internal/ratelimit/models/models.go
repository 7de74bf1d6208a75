package models

import (
	"time"

	dErrors "rategate/pkg/domain-errors"

	"github.com/google/uuid"
)

// Action identifies the class of request being rate limited.
type Action string

const (
	// ActionLogin: credential submission endpoints
	ActionLogin Action = "login"
	// ActionRegister: account creation endpoints
	ActionRegister Action = "register"
	// ActionPasswordReset: password reset request endpoints
	ActionPasswordReset Action = "password_reset"
	// ActionTwoFactor: two-factor verification endpoints
	ActionTwoFactor Action = "2fa"
	// ActionAPI: everything else
	ActionAPI Action = "api"
)

func (a Action) IsValid() bool {
	switch a {
	case ActionLogin, ActionRegister, ActionPasswordReset, ActionTwoFactor, ActionAPI:
		return true
	}
	return false
}

func (a Action) String() string {
	return string(a)
}

// ConfigAction maps an action to the policy family whose limits apply.
// Register, password reset, and 2FA borrow login limits because they guard
// the same credential surface; unrecognized actions fall through to api.
func (a Action) ConfigAction() Action {
	switch a {
	case ActionLogin, ActionRegister, ActionPasswordReset, ActionTwoFactor:
		return ActionLogin
	default:
		return ActionAPI
	}
}

// Scope distinguishes whose counters a check reads.
type Scope string

const (
	ScopeIP   Scope = "ip"
	ScopeUser Scope = "user"
)

func (s Scope) String() string {
	return string(s)
}

// Window is a sliding time horizon for request counting.
type Window string

const (
	WindowMinute Window = "minute"
	WindowHour   Window = "hour"
	WindowDay    Window = "day"
)

// Windows lists horizons in escalation order. Minute is checked first and
// wins ties when several windows trip at once.
var Windows = []Window{WindowMinute, WindowHour, WindowDay}

func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// RetryAfterSeconds is the advisory backoff reported when this window trips.
func (w Window) RetryAfterSeconds() int {
	return int(w.Duration() / time.Second)
}

// TTL is how long a counter bucket may live in the backend. Twice the
// horizon so entries at the trailing edge are still countable.
func (w Window) TTL() time.Duration {
	return 2 * w.Duration()
}

// Policy is a named, versioned set of limits. Exactly one policy is active
// at a time; DefaultPolicy is synthesized when none exists.
type Policy struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	IsActive bool      `json:"is_active"`

	LoginIPLimitMinute   int `json:"login_ip_limit_minute"`
	LoginIPLimitHour     int `json:"login_ip_limit_hour"`
	LoginIPLimitDay      int `json:"login_ip_limit_day"`
	LoginUserLimitMinute int `json:"login_user_limit_minute"`
	LoginUserLimitHour   int `json:"login_user_limit_hour"`
	LoginUserLimitDay    int `json:"login_user_limit_day"`

	APIIPLimitMinute   int `json:"api_ip_limit_minute"`
	APIIPLimitHour     int `json:"api_ip_limit_hour"`
	APIUserLimitMinute int `json:"api_user_limit_minute"`
	APIUserLimitHour   int `json:"api_user_limit_hour"`

	IPLockoutSeconds            int  `json:"ip_lockout_seconds"`
	UserLockoutSeconds          int  `json:"user_lockout_seconds"`
	EnableProgressiveDelays     bool `json:"enable_progressive_delays"`
	SuspiciousActivityThreshold int  `json:"suspicious_activity_threshold"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultPolicy returns the built-in limits used when no policy row exists.
func DefaultPolicy() *Policy {
	now := time.Now()
	return &Policy{
		ID:                          uuid.New(),
		Name:                        "default",
		IsActive:                    true,
		LoginIPLimitMinute:          5,
		LoginIPLimitHour:            20,
		LoginIPLimitDay:             100,
		LoginUserLimitMinute:        3,
		LoginUserLimitHour:          10,
		LoginUserLimitDay:           50,
		APIIPLimitMinute:            60,
		APIIPLimitHour:              1000,
		APIUserLimitMinute:          100,
		APIUserLimitHour:            2000,
		IPLockoutSeconds:            900,
		UserLockoutSeconds:          600,
		EnableProgressiveDelays:     true,
		SuspiciousActivityThreshold: 3,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}
}

// Limit returns the configured ceiling for a (config action, scope, window)
// combination. ok is false when the combination carries no limit (api
// traffic has no day window).
func (p *Policy) Limit(action Action, scope Scope, window Window) (limit int, ok bool) {
	switch action.ConfigAction() {
	case ActionLogin:
		if scope == ScopeIP {
			switch window {
			case WindowMinute:
				return p.LoginIPLimitMinute, true
			case WindowHour:
				return p.LoginIPLimitHour, true
			case WindowDay:
				return p.LoginIPLimitDay, true
			}
		}
		switch window {
		case WindowMinute:
			return p.LoginUserLimitMinute, true
		case WindowHour:
			return p.LoginUserLimitHour, true
		case WindowDay:
			return p.LoginUserLimitDay, true
		}
	default:
		if scope == ScopeIP {
			switch window {
			case WindowMinute:
				return p.APIIPLimitMinute, true
			case WindowHour:
				return p.APIIPLimitHour, true
			}
		}
		switch window {
		case WindowMinute:
			return p.APIUserLimitMinute, true
		case WindowHour:
			return p.APIUserLimitHour, true
		}
	}
	return 0, false
}

// Validate checks policy invariants before persistence.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "policy name cannot be empty")
	}
	limits := []int{
		p.LoginIPLimitMinute, p.LoginIPLimitHour, p.LoginIPLimitDay,
		p.LoginUserLimitMinute, p.LoginUserLimitHour, p.LoginUserLimitDay,
		p.APIIPLimitMinute, p.APIIPLimitHour,
		p.APIUserLimitMinute, p.APIUserLimitHour,
	}
	for _, l := range limits {
		if l <= 0 {
			return dErrors.New(dErrors.CodeInvariantViolation, "policy limits must be positive")
		}
	}
	if p.IPLockoutSeconds < 0 || p.UserLockoutSeconds < 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "lockout durations cannot be negative")
	}
	return nil
}

// WindowInfo is the per-window diagnostic attached to a verdict.
type WindowInfo struct {
	Count     int `json:"count"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// ScopeReport holds per-window diagnostics for one scope.
type ScopeReport struct {
	Limited bool                  `json:"limited"`
	Windows map[Window]WindowInfo `json:"windows"`
	// TripWindow is the first window whose count reached its limit,
	// in minute, hour, day order. Empty when not limited.
	TripWindow Window `json:"trip_window,omitempty"`
}

// Verdict is the outcome of a rate limit check.
type Verdict struct {
	Limited    bool        `json:"limited"`
	IPBlocked  bool        `json:"ip_blocked"`
	Action     Action      `json:"action"`
	IP         ScopeReport `json:"ip"`
	User       ScopeReport `json:"user"`
	RetryAfter int         `json:"retry_after"` // seconds; 0 when only a block denies
}

// LimitExceededResponse is the 429 body written by the middleware.
type LimitExceededResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
	Action     string `json:"action"`
}

// BlockRule is an escalation trigger matched against failed request paths.
type BlockRule struct {
	ID            uuid.UUID     `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	PathPattern   string        `json:"path_pattern"` // regex, substring fallback on compile error
	MaxAttempts   int           `json:"max_attempts"`
	BlockDuration time.Duration `json:"block_duration"` // ignored when Permanent
	Permanent     bool          `json:"permanent"`
	Active        bool          `json:"active"`
	CreatedAt     time.Time     `json:"created_at"`
}

// NewBlockRule creates a BlockRule with invariant validation.
func NewBlockRule(name, pattern string, maxAttempts int, blockDuration time.Duration, permanent bool) (*BlockRule, error) {
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "rule name cannot be empty")
	}
	if maxAttempts <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "max_attempts must be positive")
	}
	if !permanent && blockDuration <= 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "non-permanent rules need a block duration")
	}
	return &BlockRule{
		ID:            uuid.New(),
		Name:          name,
		PathPattern:   pattern,
		MaxAttempts:   maxAttempts,
		BlockDuration: blockDuration,
		Permanent:     permanent,
		Active:        true,
		CreatedAt:     time.Now(),
	}, nil
}

// BlockRecord tracks the block lifecycle for a single IP. There is at most
// one record per IP; repeated escalations mutate it in place.
type BlockRecord struct {
	ID            uuid.UUID  `json:"id"`
	IP            string     `json:"ip"`
	Reason        string     `json:"reason"`
	BlockedAt     time.Time  `json:"blocked_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"` // nil when permanent
	Permanent     bool       `json:"permanent"`
	Active        bool       `json:"active"`
	AttemptCount  int        `json:"attempt_count"` // monotonic for the record's lifetime
	LastAttemptAt time.Time  `json:"last_attempt_at"`
	RuleID        *uuid.UUID `json:"rule_id,omitempty"`
	BlockedBy     string     `json:"blocked_by,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// IsExpired reports whether a non-permanent block has passed its expiry.
// Permanent blocks never expire.
func (b *BlockRecord) IsExpired(now time.Time) bool {
	if b.Permanent || b.ExpiresAt == nil {
		return false
	}
	return now.After(*b.ExpiresAt)
}

// VisitorLog is one append-only telemetry row, written at check time so
// denied requests are captured even though their handlers never run.
type VisitorLog struct {
	ID                uuid.UUID `json:"id"`
	UserIdentifier    string    `json:"user_identifier,omitempty"`
	IP                string    `json:"ip"`
	Path              string    `json:"path"`
	Method            string    `json:"method"`
	Authenticated     bool      `json:"authenticated"`
	AttemptedUsername string    `json:"attempted_username,omitempty"`
	StatusCode        int       `json:"status_code"`
	Suspicious        bool      `json:"suspicious"`
	UserAgent         string    `json:"user_agent,omitempty"`
	DeviceClass       string    `json:"device_class,omitempty"` // mobile, tablet, bot, desktop
	SessionKey        string    `json:"session_key,omitempty"`
	RequestedAt       time.Time `json:"requested_at"`
	UnixTimestamp     int64     `json:"unix_timestamp"`
}

// TwoFactorAttemptType distinguishes TOTP codes from backup codes.
type TwoFactorAttemptType string

const (
	TwoFactorTypeTOTP   TwoFactorAttemptType = "totp"
	TwoFactorTypeBackup TwoFactorAttemptType = "backup"
)

func (t TwoFactorAttemptType) IsValid() bool {
	return t == TwoFactorTypeTOTP || t == TwoFactorTypeBackup
}

// TwoFactorAttempt is one recorded 2FA verification attempt.
type TwoFactorAttempt struct {
	ID             uuid.UUID            `json:"id"`
	UserIdentifier string               `json:"user_identifier"`
	IP             string               `json:"ip"`
	Success        bool                 `json:"success"`
	AttemptType    TwoFactorAttemptType `json:"attempt_type"`
	AttemptedAt    time.Time            `json:"attempted_at"`
}

// TwoFactorStatus is the outcome of a 2FA rate limit check.
type TwoFactorStatus struct {
	Limited       bool       `json:"limited"`
	Reason        string     `json:"reason,omitempty"`
	LockoutEndsAt *time.Time `json:"lockout_ends_at,omitempty"`
	UserRemaining int        `json:"user_remaining"`
	IPRemaining   int        `json:"ip_remaining"`
}

// RequestDescriptor carries everything the interceptor needs about one
// request, decoupled from net/http.
type RequestDescriptor struct {
	IP                string
	Path              string
	Method            string
	Action            Action
	UserIdentifier    string
	Authenticated     bool
	AttemptedUsername string
	UserAgent         string
	SessionKey        string
}

// Identifier returns the user-scope identity for counter keys: the
// authenticated identity when present, otherwise the attempted login name.
func (d RequestDescriptor) Identifier() string {
	if d.UserIdentifier != "" {
		return d.UserIdentifier
	}
	return d.AttemptedUsername
}

// Package policy resolves the active rate limit policy.
//
// Exactly one policy is active at a time. When the store has none, the
// built-in default is synthesized and persisted lazily so the first admin
// read sees concrete values. The provider caches the active policy with a
// short TTL; admin updates invalidate the cache immediately.
package policy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"rategate/internal/ratelimit/models"
	"rategate/internal/ratelimit/observability"
	dErrors "rategate/pkg/domain-errors"
	"rategate/pkg/requesttime"
)

// Store persists policies.
type Store interface {
	GetActive(ctx context.Context) (*models.Policy, error)
	Save(ctx context.Context, policy *models.Policy) error
}

// Provider serves the active policy with in-process caching.
type Provider struct {
	store  Store
	logger *slog.Logger
	ttl    time.Duration

	mu        sync.Mutex
	cached    *models.Policy
	fetchedAt time.Time
}

// Option configures a Provider instance.
type Option func(*Provider)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithCacheTTL overrides the default cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		p.ttl = ttl
	}
}

// New creates a policy provider. Returns an error if the store is nil.
func New(store Store, opts ...Option) (*Provider, error) {
	if store == nil {
		return nil, errors.New("policy store is required")
	}

	p := &Provider{
		store: store,
		ttl:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Active returns the active policy. A missing row synthesizes the default
// and persists it lazily; a store failure serves the last cached policy, or
// the default, so checks never stall on the policy backend.
func (p *Provider) Active(ctx context.Context) (*models.Policy, error) {
	now := requesttime.Now(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && now.Sub(p.fetchedAt) < p.ttl {
		return p.cached, nil
	}

	policy, err := p.store.GetActive(ctx)
	if err != nil {
		if p.logger != nil {
			p.logger.WarnContext(ctx, "policy lookup failed, serving fallback", "error", err)
		}
		if p.cached != nil {
			return p.cached, nil
		}
		return models.DefaultPolicy(), nil
	}

	if policy == nil {
		policy = models.DefaultPolicy()
		if err := p.store.Save(ctx, policy); err != nil && p.logger != nil {
			p.logger.WarnContext(ctx, "persisting default policy failed", "error", err)
		}
	}

	p.cached = policy
	p.fetchedAt = now
	return policy, nil
}

// Update validates and persists a policy, then invalidates the cache so the
// next check sees the new limits.
func (p *Provider) Update(ctx context.Context, policy *models.Policy) error {
	if policy == nil {
		return dErrors.New(dErrors.CodeInvalidInput, "policy is required")
	}
	if err := policy.Validate(); err != nil {
		return err
	}

	policy.UpdatedAt = requesttime.Now(ctx)
	if err := p.store.Save(ctx, policy); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save policy")
	}

	p.Invalidate()

	observability.LogAudit(ctx, p.logger, "rate_limit_policy_updated",
		"policy", policy.Name,
		"active", policy.IsActive,
	)
	return nil
}

// Invalidate drops the cached policy.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.fetchedAt = time.Time{}
}

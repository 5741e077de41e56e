// Package limiter is the entry point of the quota service: it resolves limit
// configuration, checks token buckets for an entity and its cascade parent,
// and persists consumption through the optimistic write protocol.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quota-service/internal/configcache"
	"quota-service/internal/models"
	"quota-service/internal/repository"
	"quota-service/internal/usage"
)

type Options struct {
	Backend   repository.Backend
	Publisher usage.Publisher
	Logger    *zap.Logger

	// ConfigCacheTTL bounds how long resolved limits are reused. Zero disables the cache.
	ConfigCacheTTL time.Duration
	// OnUnavailable is the process default when neither the caller nor the
	// system config picks a policy. Empty means block.
	OnUnavailable models.OnUnavailable
	// BucketTTLMultiplier sets how many fill periods a bucket under default
	// limits may sit idle before the store expires it. Zero disables expiry.
	BucketTTLMultiplier int
	Clock               func() time.Time
}

type Limiter struct {
	backend       repository.Backend
	cache         *configcache.Cache
	publisher     usage.Publisher
	logger        *zap.Logger
	onUnavailable models.OnUnavailable
	ttlMultiplier int64
	now           func() time.Time
}

func New(opts Options) (*Limiter, error) {
	if opts.Backend == nil {
		return nil, errors.New("limiter: backend is required")
	}
	if opts.OnUnavailable == "" {
		opts.OnUnavailable = models.OnUnavailableBlock
	}
	if !opts.OnUnavailable.Valid() {
		return nil, fmt.Errorf("limiter: invalid on-unavailable policy %q", opts.OnUnavailable)
	}
	if opts.BucketTTLMultiplier < 0 {
		return nil, errors.New("limiter: bucket TTL multiplier must not be negative")
	}
	if opts.Publisher == nil {
		opts.Publisher = usage.NoopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Limiter{
		backend:       opts.Backend,
		cache:         configcache.New(opts.ConfigCacheTTL, opts.Clock),
		publisher:     opts.Publisher,
		logger:        opts.Logger,
		onUnavailable: opts.OnUnavailable,
		ttlMultiplier: int64(opts.BucketTTLMultiplier),
		now:           opts.Clock,
	}, nil
}

func (l *Limiter) nowMs() int64 {
	return l.now().UnixMilli()
}

// resolution is the winning limit set for one (entity, resource) and whether
// it came from entity scope. Buckets under entity-scope limits never expire.
type resolution struct {
	limits []models.Limit
	custom bool
}

func (l *Limiter) resolve(ctx context.Context, entityID, resource string, override []models.Limit) (resolution, error) {
	limits, err := l.cache.GetEntityLimits(ctx, entityID, resource, func(ctx context.Context) ([]models.Limit, error) {
		return l.backend.GetLimits(ctx, models.EntityScope(entityID, resource))
	})
	if err != nil {
		return resolution{}, err
	}
	if len(limits) > 0 {
		return resolution{limits: limits, custom: true}, nil
	}

	limits, err = l.cache.GetResourceLimits(ctx, resource, func(ctx context.Context) ([]models.Limit, error) {
		return l.backend.GetLimits(ctx, models.ResourceScope(resource))
	})
	if err != nil {
		return resolution{}, err
	}
	if len(limits) > 0 {
		return resolution{limits: limits}, nil
	}

	sys, err := l.systemConfig(ctx)
	if err != nil {
		return resolution{}, err
	}
	if len(sys.Limits) > 0 {
		return resolution{limits: sys.Limits}, nil
	}

	if len(override) > 0 {
		return resolution{limits: override}, nil
	}
	return resolution{}, &ConfigurationError{EntityID: entityID, Resource: resource}
}

func (l *Limiter) systemConfig(ctx context.Context) (*models.SystemConfig, error) {
	return l.cache.GetSystemConfig(ctx, l.backend.GetSystemConfig)
}

// ResolveLimits returns the limits that apply to entityID on resource. The
// first non-empty level wins: entity, then resource, then system, then override.
func (l *Limiter) ResolveLimits(ctx context.Context, entityID, resource string, override ...models.Limit) ([]models.Limit, error) {
	if err := validatePair(entityID, resource); err != nil {
		return nil, err
	}
	if err := models.ValidateLimits(override); err != nil {
		return nil, err
	}
	res, err := l.resolve(ctx, entityID, resource, override)
	if err != nil {
		return nil, err
	}
	return res.limits, nil
}

// ResolveOnUnavailable picks the policy applied when the store cannot be
// reached: the explicit override, else the stored system policy, else the
// process default. A failure to read the system config falls through to the
// process default.
func (l *Limiter) ResolveOnUnavailable(ctx context.Context, override models.OnUnavailable) models.OnUnavailable {
	if override.Valid() {
		return override
	}
	sys, err := l.systemConfig(ctx)
	if err == nil && sys.OnUnavailable.Valid() {
		return sys.OnUnavailable
	}
	return l.onUnavailable
}

// IsAvailable reports whether the store answers a ping within timeout.
func (l *Limiter) IsAvailable(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.backend.Ping(ctx) }()

	select {
	case err := <-done:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

func (l *Limiter) InvalidateConfigCache() {
	l.cache.Invalidate()
}

func (l *Limiter) CacheStats() configcache.Stats {
	return l.cache.Stats()
}

func validatePair(entityID, resource string) error {
	if err := models.ValidateEntityID(entityID); err != nil {
		return err
	}
	return models.ValidateResource(resource)
}

// isStoreFailure reports whether err came from the store rather than from
// validation or configuration.
func isStoreFailure(err error) bool {
	return err != nil &&
		!errors.Is(err, models.ErrValidation) &&
		!errors.Is(err, ErrConfiguration)
}

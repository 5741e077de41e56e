package limiter

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quota-service/internal/bucket"
	"quota-service/internal/models"
	"quota-service/internal/repository"
)

type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	limits        []models.Limit
	onUnavailable models.OnUnavailable
}

// WithLimits supplies the limits to use when no entity, resource or system
// configuration exists. Stored configuration always takes precedence.
func WithLimits(limits ...models.Limit) AcquireOption {
	return func(o *acquireOptions) { o.limits = limits }
}

// WithOnUnavailable overrides the policy applied when the store is unreachable.
func WithOnUnavailable(policy models.OnUnavailable) AcquireOption {
	return func(o *acquireOptions) { o.onUnavailable = policy }
}

func buildOptions(opts []AcquireOption) (acquireOptions, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := models.ValidateLimits(o.limits); err != nil {
		return o, err
	}
	if o.onUnavailable != "" && !o.onUnavailable.Valid() {
		return o, models.NewValidationError("on_unavailable", string(o.onUnavailable), "must be allow or block")
	}
	return o, nil
}

// Acquire checks consume against every limit of entityID on resource, and
// of its parent when the entity cascades. Amounts are whole tokens keyed by
// limit name; limits not named are checked with zero and still reported.
//
// If any limit is short, nothing is consumed and a *RateLimitExceededError
// carrying every status is returned. Otherwise the returned lease holds the
// consumption until Commit.
func (l *Limiter) Acquire(ctx context.Context, entityID, resource string, consume map[string]int64, opts ...AcquireOption) (*Lease, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := validatePair(entityID, resource); err != nil {
		return nil, err
	}
	if err := validateAmounts(consume, false); err != nil {
		return nil, err
	}

	lease, err := l.open(ctx, entityID, resource, o)
	if err != nil {
		return l.degrade(ctx, "acquire", err, o)
	}
	if err := checkLimitNames(consume, lease.entries); err != nil {
		return nil, err
	}

	nowMs := l.nowMs()
	results := make([]bucket.ConsumeResult, len(lease.entries))
	statuses := make([]models.LimitStatus, 0, len(lease.entries))
	exceeded := false
	for i, e := range lease.entries {
		n := consume[e.limit.Name]
		results[i] = bucket.TryConsume(e.state, n, nowMs)
		statuses = append(statuses, e.status(n, results[i]))
		exceeded = exceeded || !results[i].Success
	}
	if exceeded {
		return nil, newRateLimitExceeded(statuses)
	}

	for i, e := range lease.entries {
		e.state.TokensMilli = results[i].TokensMilli
		e.state.LastRefillMs = results[i].LastRefillMs
		e.checkedMilli = consume[e.limit.Name] * models.MilliScale
	}
	lease.statuses = statuses
	return lease, nil
}

// Do acquires, runs fn, and commits when fn returns nil. The lease is rolled
// back when fn returns an error or panics.
func (l *Limiter) Do(ctx context.Context, entityID, resource string, consume map[string]int64,
	fn func(context.Context, *Lease) error, opts ...AcquireOption) error {
	lease, err := l.Acquire(ctx, entityID, resource, consume, opts...)
	if err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			_ = lease.Rollback()
		}
	}()

	if err := fn(ctx, lease); err != nil {
		return err
	}
	committed = true
	return lease.Commit(ctx)
}

// Adjust applies a standalone correction outside any lease: positive amounts
// consume without a balance check, negative amounts refund. The cascade
// parent is adjusted too.
func (l *Limiter) Adjust(ctx context.Context, entityID, resource string, amounts map[string]int64, opts ...AcquireOption) error {
	o, err := buildOptions(opts)
	if err != nil {
		return err
	}
	if err := validatePair(entityID, resource); err != nil {
		return err
	}

	lease, err := l.open(ctx, entityID, resource, o)
	if err != nil {
		_, err = l.degrade(ctx, "adjust", err, o)
		return err
	}
	if err := lease.Adjust(amounts); err != nil {
		return err
	}
	return lease.Commit(ctx)
}

// open resolves limits and reads the buckets of the entity and, when it
// cascades, of its parent. No tokens are consumed.
func (l *Limiter) open(ctx context.Context, entityID, resource string, o acquireOptions) (*Lease, error) {
	res, err := l.resolve(ctx, entityID, resource, o.limits)
	if err != nil {
		return nil, err
	}

	key := models.BucketKey{EntityID: entityID, Resource: resource}
	batch, err := l.backend.BatchGet(ctx, repository.BatchGetRequest{
		EntityIDs: []string{entityID},
		Buckets:   []models.BucketKey{key},
	})
	if err != nil {
		return nil, err
	}

	nowMs := l.nowMs()
	lease := &Lease{id: uuid.NewString(), limiter: l, override: o.onUnavailable}
	lease.entries = newEntries(key, res, batch.Buckets[key], false, nowMs)

	if entity := batch.Entities[entityID]; entity != nil && entity.Cascade && entity.ParentID != "" {
		parent, err := l.openParent(ctx, entity.ParentID, resource, o, nowMs)
		if err != nil {
			return nil, err
		}
		lease.entries = append(lease.entries, parent...)
	}
	return lease, nil
}

// openParent resolves the parent's limits and reads its bucket concurrently.
func (l *Limiter) openParent(ctx context.Context, parentID, resource string, o acquireOptions, nowMs int64) ([]*leaseEntry, error) {
	key := models.BucketKey{EntityID: parentID, Resource: resource}

	var (
		res   resolution
		batch *repository.BatchGetResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		res, err = l.resolve(gctx, parentID, resource, o.limits)
		return err
	})
	g.Go(func() error {
		var err error
		batch, err = l.backend.BatchGet(gctx, repository.BatchGetRequest{Buckets: []models.BucketKey{key}})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return newEntries(key, res, batch.Buckets[key], true, nowMs), nil
}

func newEntries(key models.BucketKey, res resolution, rec *repository.BucketRecord, cascaded bool, nowMs int64) []*leaseEntry {
	entries := make([]*leaseEntry, 0, len(res.limits))
	for _, limit := range res.limits {
		e := &leaseEntry{key: key, limit: limit, custom: res.custom, cascaded: cascaded}
		if rec != nil {
			e.recordExists = true
			e.recordRefillMs = rec.RefillMs
			if state, ok := rec.Limits[limit.Name]; ok {
				e.limitExists = true
				e.state = limit.ApplyTo(state)
			}
		}
		if !e.limitExists {
			e.state = limit.NewBucket(key.EntityID, key.Resource, nowMs)
		}
		e.origTokens = e.state.TokensMilli
		entries = append(entries, e)
	}
	return entries
}

// degrade applies the on-unavailable policy to a store failure. Validation,
// configuration and cancellation errors pass through untouched.
func (l *Limiter) degrade(ctx context.Context, op string, err error, o acquireOptions) (*Lease, error) {
	if !isStoreFailure(err) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	if l.ResolveOnUnavailable(ctx, o.onUnavailable) == models.OnUnavailableAllow {
		l.logger.Warn("Store unavailable, allowing untracked request",
			zap.String("op", op),
			zap.Error(err))
		return &Lease{id: uuid.NewString(), limiter: l, override: o.onUnavailable, untracked: true}, nil
	}
	return nil, &UnavailableError{Op: op, Err: err}
}

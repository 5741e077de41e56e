// Package memory is an in-process Backend. It honours the same atomicity and
// condition semantics as the remote stores and is used by tests and
// single-process deployments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"quota-service/internal/models"
	"quota-service/internal/repository"
)

var ErrClosed = errors.New("memory backend closed")

type scopeKey struct {
	level    models.ScopeLevel
	entityID string
	resource string
}

func keyOf(scope models.Scope) scopeKey {
	return scopeKey{level: scope.Level, entityID: scope.EntityID, resource: scope.Resource}
}

// Backend keeps every record in maps guarded by one mutex. Reads return
// copies so callers can never mutate stored state.
type Backend struct {
	mu       sync.RWMutex
	entities map[string]*models.Entity
	children map[string]map[string]struct{}
	buckets  map[models.BucketKey]*repository.BucketRecord
	limits   map[scopeKey][]models.Limit
	system   models.SystemConfig
	audit    map[string][]models.AuditEvent
	maxAudit int
	now      func() time.Time
	closed   bool
}

type Option func(*Backend)

// WithClock sets the time source used for record expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// WithMaxAuditEvents caps the audit events kept per entity. Zero keeps all.
func WithMaxAuditEvents(n int) Option {
	return func(b *Backend) { b.maxAudit = n }
}

func New(opts ...Option) *Backend {
	b := &Backend{
		entities: make(map[string]*models.Entity),
		children: make(map[string]map[string]struct{}),
		buckets:  make(map[models.BucketKey]*repository.BucketRecord),
		limits:   make(map[scopeKey][]models.Limit),
		audit:    make(map[string][]models.AuditEvent),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ repository.Backend = (*Backend)(nil)

func (b *Backend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *Backend) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entities[entityID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEntity(e), nil
}

func (b *Backend) CreateEntity(ctx context.Context, entity *models.Entity) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entities[entity.ID]; ok {
		return repository.ErrAlreadyExists
	}
	b.entities[entity.ID] = cloneEntity(entity)
	if entity.ParentID != "" {
		set, ok := b.children[entity.ParentID]
		if !ok {
			set = make(map[string]struct{})
			b.children[entity.ParentID] = set
		}
		set[entity.ID] = struct{}{}
	}
	return nil
}

func (b *Backend) DeleteEntity(ctx context.Context, entityID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entities[entityID]; ok && e.ParentID != "" {
		delete(b.children[e.ParentID], entityID)
		if len(b.children[e.ParentID]) == 0 {
			delete(b.children, e.ParentID)
		}
	}
	delete(b.entities, entityID)
	for key := range b.buckets {
		if key.EntityID == entityID {
			delete(b.buckets, key)
		}
	}
	for key := range b.limits {
		if key.level == models.ScopeEntity && key.entityID == entityID {
			delete(b.limits, key)
		}
	}
	delete(b.audit, entityID)
	return nil
}

func (b *Backend) GetChildren(ctx context.Context, parentID string) ([]*models.Entity, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.children[parentID]))
	for id := range b.children[parentID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*models.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := b.entities[id]; ok {
			out = append(out, cloneEntity(e))
		}
	}
	return out, nil
}

func (b *Backend) GetBucket(ctx context.Context, entityID, resource, limitName string) (*models.BucketState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rec := b.liveRecord(models.BucketKey{EntityID: entityID, Resource: resource})
	if rec == nil {
		return nil, repository.ErrNotFound
	}
	state, ok := rec.Limits[limitName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &state, nil
}

func (b *Backend) GetBuckets(ctx context.Context, entityID, resource string) ([]models.BucketState, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var keys []models.BucketKey
	for key := range b.buckets {
		if key.EntityID == entityID && (resource == "" || key.Resource == resource) {
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Resource < keys[j].Resource })

	var out []models.BucketState
	for _, key := range keys {
		if rec := b.liveRecord(key); rec != nil {
			out = append(out, rec.States()...)
		}
	}
	return out, nil
}

func (b *Backend) BatchGet(ctx context.Context, req repository.BatchGetRequest) (*repository.BatchGetResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	res := repository.NewBatchGetResult()
	for _, id := range req.EntityIDs {
		if e, ok := b.entities[id]; ok {
			res.Entities[id] = cloneEntity(e)
		}
	}
	for _, key := range req.Buckets {
		if rec := b.liveRecord(key); rec != nil {
			res.Buckets[key] = cloneRecord(rec)
		}
	}
	return res, nil
}

func (b *Backend) ExecuteWrite(ctx context.Context, writes []repository.BucketWrite) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var failed []int
	for i, w := range writes {
		if !conditionHolds(b.liveRecord(w.Key), w) {
			failed = append(failed, i)
		}
	}
	if len(failed) > 0 {
		return repository.NewConditionError(failed...)
	}

	for _, w := range writes {
		b.buckets[w.Key] = applyWrite(b.liveRecord(w.Key), w)
	}
	return nil
}

// liveRecord returns the stored record unless it has expired. Callers hold mu.
func (b *Backend) liveRecord(key models.BucketKey) *repository.BucketRecord {
	rec, ok := b.buckets[key]
	if !ok {
		return nil
	}
	if rec.ExpiresAtMs > 0 && b.now().UnixMilli() >= rec.ExpiresAtMs {
		return nil
	}
	return rec
}

func conditionHolds(rec *repository.BucketRecord, w repository.BucketWrite) bool {
	switch w.Mode {
	case repository.WriteCreate:
		return rec == nil
	case repository.WriteNormal:
		return rec != nil && rec.RefillMs == w.ExpectedRefillMs
	case repository.WriteRetry:
		if rec == nil {
			return false
		}
		for _, lw := range w.Limits {
			if !lw.Guarded(w.Mode) {
				continue
			}
			state, ok := rec.Limits[lw.Limit.Name]
			if !ok || state.TokensMilli < lw.MinTokensMilli {
				return false
			}
		}
		return true
	case repository.WriteAdjust:
		return rec != nil
	}
	return false
}

func applyWrite(rec *repository.BucketRecord, w repository.BucketWrite) *repository.BucketRecord {
	if rec == nil || w.Mode == repository.WriteCreate {
		rec = &repository.BucketRecord{Key: w.Key, Limits: make(map[string]models.BucketState)}
	} else {
		rec = cloneRecord(rec)
	}

	if w.Mode == repository.WriteCreate || w.Mode == repository.WriteNormal {
		rec.RefillMs = w.RefillMs
	}
	switch w.TTL {
	case repository.TTLSet:
		rec.ExpiresAtMs = w.ExpiresAtMs
	case repository.TTLClear:
		rec.ExpiresAtMs = 0
	}

	for _, lw := range w.Limits {
		state, ok := rec.Limits[lw.Limit.Name]
		if !ok {
			state = lw.Limit.ApplyTo(models.BucketState{EntityID: w.Key.EntityID, Resource: w.Key.Resource})
		}
		if lw.UpdatesConfig(w.Mode) {
			state = lw.Limit.ApplyTo(state)
			state.LastRefillMs = w.LimitRefillMs(lw)
		}
		if lw.Absolute(w.Mode) {
			state.TokensMilli = lw.TokensMilli
			state.TotalConsumed = lw.ConsumedDelta
		} else {
			state.TokensMilli += lw.TokensDelta
			state.TotalConsumed += lw.ConsumedDelta
		}
		rec.Limits[lw.Limit.Name] = state
	}

	for name, state := range rec.Limits {
		if state.LastRefillMs == 0 {
			state.LastRefillMs = rec.RefillMs
		}
		state.ExpiresAtMs = rec.ExpiresAtMs
		rec.Limits[name] = state
	}
	return rec
}

func (b *Backend) GetLimits(ctx context.Context, scope models.Scope) ([]models.Limit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if scope.Level == models.ScopeSystem {
		return cloneLimits(b.system.Limits), nil
	}
	return cloneLimits(b.limits[keyOf(scope)]), nil
}

func (b *Backend) SetLimits(ctx context.Context, scope models.Scope, limits []models.Limit) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if scope.Level == models.ScopeSystem {
		b.system.Limits = cloneLimits(limits)
		return nil
	}
	b.limits[keyOf(scope)] = cloneLimits(limits)
	return nil
}

func (b *Backend) DeleteLimits(ctx context.Context, scope models.Scope) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if scope.Level == models.ScopeSystem {
		b.system.Limits = nil
		return nil
	}
	delete(b.limits, keyOf(scope))
	return nil
}

func (b *Backend) GetSystemConfig(ctx context.Context) (*models.SystemConfig, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return &models.SystemConfig{
		Limits:        cloneLimits(b.system.Limits),
		OnUnavailable: b.system.OnUnavailable,
	}, nil
}

func (b *Backend) SetSystemConfig(ctx context.Context, cfg *models.SystemConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.system = models.SystemConfig{
		Limits:        cloneLimits(cfg.Limits),
		OnUnavailable: cfg.OnUnavailable,
	}
	return nil
}

func (b *Backend) ListEntityLimitResources(ctx context.Context, entityID string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []string
	for key, limits := range b.limits {
		if key.level == models.ScopeEntity && key.entityID == entityID && len(limits) > 0 {
			out = append(out, key.resource)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) PutAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	events := append(b.audit[event.EntityID], cloneEvent(*event))
	if b.maxAudit > 0 && len(events) > b.maxAudit {
		events = events[len(events)-b.maxAudit:]
	}
	b.audit[event.EntityID] = events
	return nil
}

func (b *Backend) GetAuditEvents(ctx context.Context, entityID string, limit int) ([]models.AuditEvent, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.audit[entityID]
	out := make([]models.AuditEvent, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, cloneEvent(events[i]))
	}
	return out, nil
}

func cloneEntity(e *models.Entity) *models.Entity {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneRecord(r *repository.BucketRecord) *repository.BucketRecord {
	c := *r
	c.Limits = make(map[string]models.BucketState, len(r.Limits))
	for k, v := range r.Limits {
		c.Limits[k] = v
	}
	return &c
}

func cloneLimits(limits []models.Limit) []models.Limit {
	if len(limits) == 0 {
		return []models.Limit{}
	}
	return append([]models.Limit(nil), limits...)
}

func cloneEvent(e models.AuditEvent) models.AuditEvent {
	if e.Details != nil {
		details := make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			details[k] = v
		}
		e.Details = details
	}
	return e
}

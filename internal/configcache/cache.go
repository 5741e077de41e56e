// Package configcache caches limit configuration in front of the store.
//
// There are three independent slots: the system config, resource defaults
// keyed by resource, and entity limits keyed by (entity, resource). Each slot
// has its own lock, held only while reading or mutating slot state and never
// across a loader call. Concurrent misses for the same key share one load,
// which runs detached from any single caller's cancellation.
package configcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"quota-service/internal/models"
)

// sharedLoadTimeout bounds a shared load once it no longer follows the
// cancellation of the caller that started it.
const sharedLoadTimeout = 10 * time.Second

// LimitsLoader fetches limits from the store on a miss.
type LimitsLoader func(ctx context.Context) ([]models.Limit, error)

// SystemLoader fetches the system config from the store on a miss.
type SystemLoader func(ctx context.Context) (*models.SystemConfig, error)

type entry[V any] struct {
	value     V
	negative  bool
	expiresAt time.Time
}

type slot[K comparable, V any] struct {
	mu      sync.Mutex
	gen     uint64
	entries map[K]entry[V]
}

func newSlot[K comparable, V any]() *slot[K, V] {
	return &slot[K, V]{entries: make(map[K]entry[V])}
}

func (s *slot[K, V]) lookup(key K, now time.Time) (entry[V], bool, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if ok && !now.Before(e.expiresAt) {
		delete(s.entries, key)
		ok = false
	}
	return e, ok, s.gen
}

// store keeps e unless the slot was invalidated since gen was observed.
func (s *slot[K, V]) store(key K, e entry[V], gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return
	}
	s.entries[key] = e
}

func (s *slot[K, V]) invalidate() {
	s.mu.Lock()
	s.gen++
	clear(s.entries)
	s.mu.Unlock()
}

func (s *slot[K, V]) invalidateKey(key K) {
	s.mu.Lock()
	s.gen++
	delete(s.entries, key)
	s.mu.Unlock()
}

func (s *slot[K, V]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    int64         `json:"hits"`
	Misses  int64         `json:"misses"`
	Entries int           `json:"entries"`
	TTL     time.Duration `json:"ttl"`
}

type Cache struct {
	ttl       time.Duration
	now       func() time.Time
	system    *slot[struct{}, *models.SystemConfig]
	resources *slot[string, []models.Limit]
	entities  *slot[models.BucketKey, []models.Limit]
	flights   singleflight.Group
	hits      atomic.Int64
	misses    atomic.Int64
}

// New returns a cache whose entries live for ttl. A zero ttl disables
// caching and every lookup calls the loader.
func New(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:       ttl,
		now:       now,
		system:    newSlot[struct{}, *models.SystemConfig](),
		resources: newSlot[string, []models.Limit](),
		entities:  newSlot[models.BucketKey, []models.Limit](),
	}
}

func (c *Cache) Enabled() bool {
	return c.ttl > 0
}

func (c *Cache) GetSystemConfig(ctx context.Context, load SystemLoader) (*models.SystemConfig, error) {
	if !c.Enabled() {
		return load(ctx)
	}

	e, ok, gen := c.system.lookup(struct{}{}, c.now())
	if ok {
		c.hits.Add(1)
		return e.value, nil
	}
	c.misses.Add(1)

	v, err := c.share(ctx, fmt.Sprintf("system:%d", gen), func(ctx context.Context) (any, error) {
		cfg, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if cfg == nil {
			cfg = &models.SystemConfig{}
		}
		c.system.store(struct{}{}, entry[*models.SystemConfig]{value: cfg, expiresAt: c.now().Add(c.ttl)}, gen)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.SystemConfig), nil
}

// share runs fn once per key for all concurrent callers. Each caller stops
// waiting when its own ctx is done; the load itself keeps going for the others.
func (c *Cache) share(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := c.flights.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedLoadTimeout)
		defer cancel()
		return fn(loadCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) GetResourceLimits(ctx context.Context, resource string, load LimitsLoader) ([]models.Limit, error) {
	return getLimits(ctx, c, c.resources, resource, "resource:"+resource, load)
}

// GetEntityLimits caches an empty result as a negative entry so entities
// without custom limits do not reach the store on every lookup.
func (c *Cache) GetEntityLimits(ctx context.Context, entityID, resource string, load LimitsLoader) ([]models.Limit, error) {
	key := models.BucketKey{EntityID: entityID, Resource: resource}
	return getLimits(ctx, c, c.entities, key, "entity:"+key.String(), load)
}

func getLimits[K comparable](ctx context.Context, c *Cache, s *slot[K, []models.Limit], key K, flightKey string, load LimitsLoader) ([]models.Limit, error) {
	if !c.Enabled() {
		return load(ctx)
	}

	e, ok, gen := s.lookup(key, c.now())
	if ok {
		c.hits.Add(1)
		if e.negative {
			return nil, nil
		}
		return cloneLimits(e.value), nil
	}
	c.misses.Add(1)

	v, err := c.share(ctx, fmt.Sprintf("%s:%d", flightKey, gen), func(ctx context.Context) (any, error) {
		limits, err := load(ctx)
		if err != nil {
			return nil, err
		}
		s.store(key, entry[[]models.Limit]{
			value:     cloneLimits(limits),
			negative:  len(limits) == 0,
			expiresAt: c.now().Add(c.ttl),
		}, gen)
		return limits, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneLimits(v.([]models.Limit)), nil
}

// Invalidate drops every entry in all three slots, one slot at a time; a
// concurrent reader may see some slots cleared before the others. Loads
// already in flight finish but do not repopulate the cache.
func (c *Cache) Invalidate() {
	c.system.invalidate()
	c.resources.invalidate()
	c.entities.invalidate()
}

func (c *Cache) InvalidateSystem() {
	c.system.invalidate()
}

func (c *Cache) InvalidateResource(resource string) {
	c.resources.invalidateKey(resource)
}

func (c *Cache) InvalidateEntity(entityID, resource string) {
	c.entities.invalidateKey(models.BucketKey{EntityID: entityID, Resource: resource})
}

// InvalidateEntityAll drops every cached resource for the entity.
func (c *Cache) InvalidateEntityAll(entityID string) {
	c.entities.mu.Lock()
	c.entities.gen++
	for key := range c.entities.entries {
		if key.EntityID == entityID {
			delete(c.entities.entries, key)
		}
	}
	c.entities.mu.Unlock()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: c.system.len() + c.resources.len() + c.entities.len(),
		TTL:     c.ttl,
	}
}

func cloneLimits(limits []models.Limit) []models.Limit {
	if limits == nil {
		return nil
	}
	return append([]models.Limit(nil), limits...)
}

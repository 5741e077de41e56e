// Package redis stores buckets, entities and limit configuration in Redis.
//
// Bucket writes run as a single Lua script, so every ExecuteWrite is atomic
// across all its keys. Scripts touch keys of several entities at once, which
// requires a single Redis node or a deployment where all keys share a slot.
package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"quota-service/internal/models"
	"quota-service/internal/repository"
)

//go:embed execute_write.lua
var executeWriteSource string

//go:embed create_entity.lua
var createEntitySource string

var (
	executeWriteScript = goredis.NewScript(executeWriteSource)
	createEntityScript = goredis.NewScript(createEntitySource)
)

const DefaultKeyPrefix = "quota:"

type Backend struct {
	client   goredis.UniversalClient
	keys     keys
	maxAudit int64
	logger   *zap.Logger
}

type Option func(*Backend)

func WithKeyPrefix(prefix string) Option {
	return func(b *Backend) { b.keys.prefix = prefix }
}

// WithMaxAuditEvents caps the audit list per entity. Zero keeps every event.
func WithMaxAuditEvents(n int) Option {
	return func(b *Backend) { b.maxAudit = int64(n) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New wraps an existing client. The caller owns the client and closes it.
func New(client goredis.UniversalClient, opts ...Option) *Backend {
	b := &Backend{
		client: client,
		keys:   keys{prefix: DefaultKeyPrefix},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ repository.Backend = (*Backend)(nil)

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	fields, err := b.client.HGetAll(ctx, b.keys.entity(entityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", entityID, err)
	}
	e, err := decodeEntity(fields)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, repository.ErrNotFound
	}
	return e, nil
}

func (b *Backend) CreateEntity(ctx context.Context, entity *models.Entity) error {
	fields, err := encodeEntity(entity)
	if err != nil {
		return err
	}
	hasParent := "0"
	if entity.ParentID != "" {
		hasParent = "1"
	}
	args := append([]any{hasParent}, fields...)

	created, err := createEntityScript.Run(ctx, b.client,
		[]string{b.keys.entity(entity.ID), b.keys.children(entity.ParentID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("create entity %s: %w", entity.ID, err)
	}
	if created == 0 {
		return repository.ErrAlreadyExists
	}
	return nil
}

func (b *Backend) DeleteEntity(ctx context.Context, entityID string) error {
	entity, err := b.GetEntity(ctx, entityID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	resources, err := b.client.SMembers(ctx, b.keys.bucketIndex(entityID)).Result()
	if err != nil {
		return fmt.Errorf("list buckets of %s: %w", entityID, err)
	}
	limitResources, err := b.client.SMembers(ctx, b.keys.entityLimitIndex(entityID)).Result()
	if err != nil {
		return fmt.Errorf("list limits of %s: %w", entityID, err)
	}

	dels := []string{
		b.keys.entity(entityID),
		b.keys.bucketIndex(entityID),
		b.keys.entityLimitIndex(entityID),
		b.keys.audit(entityID),
	}
	for _, r := range resources {
		dels = append(dels, b.keys.bucket(models.BucketKey{EntityID: entityID, Resource: r}))
	}
	for _, r := range limitResources {
		dels = append(dels, b.keys.entityLimits(entityID, r))
	}

	pipe := b.client.TxPipeline()
	for start := 0; start < len(dels); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(dels))
		pipe.Del(ctx, dels[start:end]...)
	}
	if entity != nil && entity.ParentID != "" {
		pipe.SRem(ctx, b.keys.children(entity.ParentID), entityID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete entity %s: %w", entityID, err)
	}

	b.logger.Debug("Entity deleted",
		zap.String("entity_id", entityID),
		zap.Int("keys", len(dels)))
	return nil
}

const deleteBatchSize = 100

func (b *Backend) GetChildren(ctx context.Context, parentID string) ([]*models.Entity, error) {
	ids, err := b.client.SMembers(ctx, b.keys.children(parentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	sort.Strings(ids)

	res, err := b.BatchGet(ctx, repository.BatchGetRequest{EntityIDs: ids})
	if err != nil {
		return nil, err
	}
	out := make([]*models.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := res.Entities[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (b *Backend) GetBucket(ctx context.Context, entityID, resource, limitName string) (*models.BucketState, error) {
	key := models.BucketKey{EntityID: entityID, Resource: resource}
	rec, err := b.getRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, repository.ErrNotFound
	}
	state, ok := rec.Limits[limitName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &state, nil
}

func (b *Backend) getRecord(ctx context.Context, key models.BucketKey) (*repository.BucketRecord, error) {
	fields, err := b.client.HGetAll(ctx, b.keys.bucket(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("get bucket %s: %w", key, err)
	}
	return decodeRecord(key, fields)
}

func (b *Backend) GetBuckets(ctx context.Context, entityID, resource string) ([]models.BucketState, error) {
	var resources []string
	if resource != "" {
		resources = []string{resource}
	} else {
		members, err := b.client.SMembers(ctx, b.keys.bucketIndex(entityID)).Result()
		if err != nil {
			return nil, fmt.Errorf("list buckets of %s: %w", entityID, err)
		}
		sort.Strings(members)
		resources = members
	}

	req := repository.BatchGetRequest{Buckets: make([]models.BucketKey, 0, len(resources))}
	for _, r := range resources {
		req.Buckets = append(req.Buckets, models.BucketKey{EntityID: entityID, Resource: r})
	}
	res, err := b.BatchGet(ctx, req)
	if err != nil {
		return nil, err
	}

	var out []models.BucketState
	for _, key := range req.Buckets {
		if rec, ok := res.Buckets[key]; ok {
			out = append(out, rec.States()...)
		}
	}
	return out, nil
}

// BatchGet reads every requested hash in one pipelined round trip.
func (b *Backend) BatchGet(ctx context.Context, req repository.BatchGetRequest) (*repository.BatchGetResult, error) {
	res := repository.NewBatchGetResult()
	if len(req.EntityIDs) == 0 && len(req.Buckets) == 0 {
		return res, nil
	}

	pipe := b.client.Pipeline()
	entityCmds := make([]*goredis.MapStringStringCmd, len(req.EntityIDs))
	for i, id := range req.EntityIDs {
		entityCmds[i] = pipe.HGetAll(ctx, b.keys.entity(id))
	}
	bucketCmds := make([]*goredis.MapStringStringCmd, len(req.Buckets))
	for i, key := range req.Buckets {
		bucketCmds[i] = pipe.HGetAll(ctx, b.keys.bucket(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("batch get: %w", err)
	}

	for i, id := range req.EntityIDs {
		e, err := decodeEntity(entityCmds[i].Val())
		if err != nil {
			return nil, err
		}
		if e != nil {
			res.Entities[id] = e
		}
	}
	for i, key := range req.Buckets {
		rec, err := decodeRecord(key, bucketCmds[i].Val())
		if err != nil {
			return nil, err
		}
		if rec != nil {
			res.Buckets[key] = rec
		}
	}
	return res, nil
}

func (b *Backend) ExecuteWrite(ctx context.Context, writes []repository.BucketWrite) error {
	if len(writes) == 0 {
		return nil
	}
	payload, err := encodeWrites(writes)
	if err != nil {
		return err
	}

	keys := make([]string, 0, 2*len(writes))
	for _, w := range writes {
		keys = append(keys, b.keys.bucket(w.Key))
	}
	for _, w := range writes {
		keys = append(keys, b.keys.bucketIndex(w.Key.EntityID))
	}

	result, err := executeWriteScript.Run(ctx, b.client, keys, payload).Int64Slice()
	if err != nil {
		return fmt.Errorf("execute write: %w", err)
	}
	if len(result) == 0 {
		return fmt.Errorf("execute write: empty script result")
	}
	if result[0] == 1 {
		return nil
	}

	failed := make([]int, 0, len(result)-1)
	for _, idx := range result[1:] {
		failed = append(failed, int(idx))
	}
	return repository.NewConditionError(failed...)
}

func (b *Backend) limitsKey(scope models.Scope) string {
	switch scope.Level {
	case models.ScopeEntity:
		return b.keys.entityLimits(scope.EntityID, scope.Resource)
	case models.ScopeResource:
		return b.keys.resourceLimits(scope.Resource)
	}
	return ""
}

func (b *Backend) GetLimits(ctx context.Context, scope models.Scope) ([]models.Limit, error) {
	var (
		raw string
		err error
	)
	if scope.Level == models.ScopeSystem {
		raw, err = b.client.HGet(ctx, b.keys.system(), fieldSysLimits).Result()
	} else {
		raw, err = b.client.Get(ctx, b.limitsKey(scope)).Result()
	}
	if errors.Is(err, goredis.Nil) {
		return []models.Limit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get limits %s: %w", scope, err)
	}
	return decodeLimits(raw)
}

func (b *Backend) SetLimits(ctx context.Context, scope models.Scope, limits []models.Limit) error {
	raw, err := encodeLimits(limits)
	if err != nil {
		return err
	}

	pipe := b.client.TxPipeline()
	switch scope.Level {
	case models.ScopeSystem:
		pipe.HSet(ctx, b.keys.system(), fieldSysLimits, raw)
	case models.ScopeEntity:
		pipe.Set(ctx, b.limitsKey(scope), raw, 0)
		pipe.SAdd(ctx, b.keys.entityLimitIndex(scope.EntityID), scope.Resource)
	default:
		pipe.Set(ctx, b.limitsKey(scope), raw, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set limits %s: %w", scope, err)
	}
	return nil
}

func (b *Backend) DeleteLimits(ctx context.Context, scope models.Scope) error {
	pipe := b.client.TxPipeline()
	switch scope.Level {
	case models.ScopeSystem:
		pipe.HDel(ctx, b.keys.system(), fieldSysLimits)
	case models.ScopeEntity:
		pipe.Del(ctx, b.limitsKey(scope))
		pipe.SRem(ctx, b.keys.entityLimitIndex(scope.EntityID), scope.Resource)
	default:
		pipe.Del(ctx, b.limitsKey(scope))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete limits %s: %w", scope, err)
	}
	return nil
}

func (b *Backend) GetSystemConfig(ctx context.Context) (*models.SystemConfig, error) {
	fields, err := b.client.HGetAll(ctx, b.keys.system()).Result()
	if err != nil {
		return nil, fmt.Errorf("get system config: %w", err)
	}
	limits, err := decodeLimits(fields[fieldSysLimits])
	if err != nil {
		return nil, err
	}
	return &models.SystemConfig{
		Limits:        limits,
		OnUnavailable: models.OnUnavailable(fields[fieldSysPolicy]),
	}, nil
}

func (b *Backend) SetSystemConfig(ctx context.Context, cfg *models.SystemConfig) error {
	raw, err := encodeLimits(cfg.Limits)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.keys.system())
	pipe.HSet(ctx, b.keys.system(), fieldSysLimits, raw)
	if cfg.OnUnavailable != "" {
		pipe.HSet(ctx, b.keys.system(), fieldSysPolicy, string(cfg.OnUnavailable))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set system config: %w", err)
	}
	return nil
}

func (b *Backend) ListEntityLimitResources(ctx context.Context, entityID string) ([]string, error) {
	resources, err := b.client.SMembers(ctx, b.keys.entityLimitIndex(entityID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list limit resources of %s: %w", entityID, err)
	}
	sort.Strings(resources)
	return resources, nil
}

func (b *Backend) PutAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	key := b.keys.audit(event.EntityID)

	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	if b.maxAudit > 0 {
		pipe.LTrim(ctx, key, 0, b.maxAudit-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put audit event: %w", err)
	}
	return nil
}

func (b *Backend) GetAuditEvents(ctx context.Context, entityID string, limit int) ([]models.AuditEvent, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := b.client.LRange(ctx, b.keys.audit(entityID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("get audit events of %s: %w", entityID, err)
	}

	events := make([]models.AuditEvent, 0, len(raws))
	for _, raw := range raws {
		var e models.AuditEvent
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

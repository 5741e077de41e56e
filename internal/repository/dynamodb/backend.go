// Package dynamodb stores buckets, entities and limit configuration in a
// single DynamoDB table. A one-item ExecuteWrite uses a conditional PutItem
// or UpdateItem; larger ones use TransactWriteItems.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	ddb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quota-service/internal/models"
	"quota-service/internal/repository"
)

const (
	batchGetLimit   = 100
	batchWriteLimit = 25
	maxBatchRetries = 5
)

type Backend struct {
	api            API
	table          string
	auditRetention time.Duration
	now            func() time.Time
	logger         *zap.Logger
}

type Option func(*Backend)

// WithAuditRetention sets the TTL on audit items. Zero keeps them forever.
func WithAuditRetention(d time.Duration) Option {
	return func(b *Backend) { b.auditRetention = d }
}

func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func New(api API, table string, opts ...Option) *Backend {
	b := &Backend{
		api:    api,
		table:  table,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ repository.Backend = (*Backend)(nil)

func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.api.DescribeTable(ctx, &ddb.DescribeTableInput{TableName: aws.String(b.table)})
	return err
}

func (b *Backend) Close() error {
	return nil
}

func (b *Backend) getItem(ctx context.Context, key map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	out, err := b.api.GetItem(ctx, &ddb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return out.Item, nil
}

func (b *Backend) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	item, err := b.getItem(ctx, itemKey(entityPK(entityID), skMeta))
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", entityID, err)
	}
	if len(item) == 0 {
		return nil, repository.ErrNotFound
	}
	return unmarshalEntity(item)
}

func (b *Backend) CreateEntity(ctx context.Context, entity *models.Entity) error {
	item, err := marshalEntity(entity)
	if err != nil {
		return err
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(attrPK))).
		Build()
	if err != nil {
		return fmt.Errorf("build entity condition: %w", err)
	}

	_, err = b.api.PutItem(ctx, &ddb.PutItemInput{
		TableName:                 aws.String(b.table),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return repository.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create entity %s: %w", entity.ID, err)
	}
	return nil
}

// DeleteEntity removes every item in the entity's partition, 25 keys per
// BatchWriteItem, with batches running concurrently.
func (b *Backend) DeleteEntity(ctx context.Context, entityID string) error {
	keys, err := b.queryKeys(ctx, entityPK(entityID), "")
	if err != nil {
		return fmt.Errorf("list items of %s: %w", entityID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(keys); start += batchWriteLimit {
		chunk := keys[start:min(start+batchWriteLimit, len(keys))]
		g.Go(func() error {
			return b.batchDelete(gctx, chunk)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("delete entity %s: %w", entityID, err)
	}

	b.logger.Debug("Entity deleted",
		zap.String("entity_id", entityID),
		zap.Int("items", len(keys)))
	return nil
}

func (b *Backend) batchDelete(ctx context.Context, keys []map[string]types.AttributeValue) error {
	reqs := make([]types.WriteRequest, 0, len(keys))
	for _, key := range keys {
		reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: key}})
	}

	pending := map[string][]types.WriteRequest{b.table: reqs}
	for attempt := 0; len(pending[b.table]) > 0; attempt++ {
		if attempt == maxBatchRetries {
			return fmt.Errorf("%d deletes left unprocessed", len(pending[b.table]))
		}
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		out, err := b.api.BatchWriteItem(ctx, &ddb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		pending = out.UnprocessedItems
	}
	return nil
}

func sleepBackoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(attempt*attempt) * 25 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// queryKeys returns the primary keys in a partition, optionally restricted
// to a sort-key prefix.
func (b *Backend) queryKeys(ctx context.Context, pk, skPrefix string) ([]map[string]types.AttributeValue, error) {
	items, err := b.query(ctx, pk, skPrefix, expression.NamesList(expression.Name(attrPK), expression.Name(attrSK)))
	if err != nil {
		return nil, err
	}
	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, map[string]types.AttributeValue{attrPK: item[attrPK], attrSK: item[attrSK]})
	}
	return keys, nil
}

func (b *Backend) query(ctx context.Context, pk, skPrefix string, projection ...expression.ProjectionBuilder) ([]map[string]types.AttributeValue, error) {
	keyCond := expression.Key(attrPK).Equal(expression.Value(pk))
	if skPrefix != "" {
		keyCond = keyCond.And(expression.Key(attrSK).BeginsWith(skPrefix))
	}
	builder := expression.NewBuilder().WithKeyCondition(keyCond)
	if len(projection) > 0 {
		builder = builder.WithProjection(projection[0])
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	input := &ddb.QueryInput{
		TableName:                 aws.String(b.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	}

	var items []map[string]types.AttributeValue
	p := ddb.NewQueryPaginator(b.api, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

func (b *Backend) GetChildren(ctx context.Context, parentID string) ([]*models.Entity, error) {
	keyCond := expression.Key(attrGSI1PK).Equal(expression.Value(gsiParent + parentID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build children query: %w", err)
	}

	p := ddb.NewQueryPaginator(b.api, &ddb.QueryInput{
		TableName:                 aws.String(b.table),
		IndexName:                 aws.String(gsi1IndexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})

	var out []*models.Entity
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", parentID, err)
		}
		for _, item := range page.Items {
			e, err := unmarshalEntity(item)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) GetBucket(ctx context.Context, entityID, resource, limitName string) (*models.BucketState, error) {
	key := models.BucketKey{EntityID: entityID, Resource: resource}
	item, err := b.getItem(ctx, bucketKey(key))
	if err != nil {
		return nil, fmt.Errorf("get bucket %s: %w", key, err)
	}
	rec, err := b.liveBucket(item)
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

// liveBucket decodes a bucket item, treating one whose TTL has passed as
// absent since DynamoDB removes expired items lazily.
func (b *Backend) liveBucket(item map[string]types.AttributeValue) (*repository.BucketRecord, error) {
	if len(item) == 0 {
		return nil, nil
	}
	rec, err := unmarshalBucket(item)
	if err != nil {
		return nil, err
	}
	if rec.ExpiresAtMs > 0 && b.now().UnixMilli() >= rec.ExpiresAtMs {
		return nil, nil
	}
	return rec, nil
}

func (b *Backend) GetBuckets(ctx context.Context, entityID, resource string) ([]models.BucketState, error) {
	prefix := skBucket
	if resource != "" {
		prefix = bucketSK(resource)
	}
	items, err := b.query(ctx, entityPK(entityID), prefix)
	if err != nil {
		return nil, fmt.Errorf("list buckets of %s: %w", entityID, err)
	}

	var out []models.BucketState
	for _, item := range items {
		rec, err := b.liveBucket(item)
		if err != nil {
			return nil, err
		}
		// begins_with also matches longer resource names
		if rec == nil || (resource != "" && rec.Key.Resource != resource) {
			continue
		}
		out = append(out, rec.States()...)
	}
	return out, nil
}

// BatchGet reads entities and buckets with BatchGetItem, 100 keys per call,
// retrying unprocessed keys with backoff.
func (b *Backend) BatchGet(ctx context.Context, req repository.BatchGetRequest) (*repository.BatchGetResult, error) {
	res := repository.NewBatchGetResult()

	keys := make([]map[string]types.AttributeValue, 0, len(req.EntityIDs)+len(req.Buckets))
	seen := make(map[string]struct{})
	add := func(pk, sk string) {
		if _, dup := seen[pk+"|"+sk]; dup {
			return
		}
		seen[pk+"|"+sk] = struct{}{}
		keys = append(keys, itemKey(pk, sk))
	}
	for _, id := range req.EntityIDs {
		add(entityPK(id), skMeta)
	}
	for _, key := range req.Buckets {
		add(entityPK(key.EntityID), bucketSK(key.Resource))
	}

	for start := 0; start < len(keys); start += batchGetLimit {
		items, err := b.batchGetChunk(ctx, keys[start:min(start+batchGetLimit, len(keys))])
		if err != nil {
			return nil, fmt.Errorf("batch get: %w", err)
		}
		for _, item := range items {
			sk := readString(item, attrSK)
			switch {
			case sk == skMeta:
				e, err := unmarshalEntity(item)
				if err != nil {
					return nil, err
				}
				res.Entities[e.ID] = e
			case strings.HasPrefix(sk, skBucket):
				rec, err := b.liveBucket(item)
				if err != nil {
					return nil, err
				}
				if rec != nil {
					res.Buckets[rec.Key] = rec
				}
			}
		}
	}
	return res, nil
}

func (b *Backend) batchGetChunk(ctx context.Context, keys []map[string]types.AttributeValue) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	pending := map[string]types.KeysAndAttributes{
		b.table: {Keys: keys, ConsistentRead: aws.Bool(true)},
	}
	for attempt := 0; len(pending[b.table].Keys) > 0; attempt++ {
		if attempt == maxBatchRetries {
			return nil, fmt.Errorf("%d keys left unprocessed", len(pending[b.table].Keys))
		}
		if attempt > 0 {
			if err := sleepBackoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		out, err := b.api.BatchGetItem(ctx, &ddb.BatchGetItemInput{RequestItems: pending})
		if err != nil {
			return nil, err
		}
		items = append(items, out.Responses[b.table]...)
		pending = out.UnprocessedKeys
	}
	return items, nil
}

func (b *Backend) ExecuteWrite(ctx context.Context, writes []repository.BucketWrite) error {
	switch {
	case len(writes) == 0:
		return nil
	case len(writes) > maxTransactItems:
		return fmt.Errorf("execute write: %d items exceeds the transaction limit of %d", len(writes), maxTransactItems)
	}

	nowMs := b.now().UnixMilli()
	items := make([]types.TransactWriteItem, 0, len(writes))
	for _, w := range writes {
		item, err := b.buildTransactItem(w, nowMs)
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	if len(items) == 1 {
		return b.writeSingle(ctx, items[0])
	}

	_, err := b.api.TransactWriteItems(ctx, &ddb.TransactWriteItemsInput{TransactItems: items})
	if err == nil {
		return nil
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		var failed []int
		for i, reason := range tce.CancellationReasons {
			switch aws.ToString(reason.Code) {
			case "ConditionalCheckFailed", "TransactionConflict":
				failed = append(failed, i)
			}
		}
		if len(failed) > 0 {
			return repository.NewConditionError(failed...)
		}
	}
	return fmt.Errorf("execute write: %w", err)
}

func (b *Backend) writeSingle(ctx context.Context, item types.TransactWriteItem) error {
	var err error
	if put := item.Put; put != nil {
		_, err = b.api.PutItem(ctx, &ddb.PutItemInput{
			TableName:                 put.TableName,
			Item:                      put.Item,
			ConditionExpression:       put.ConditionExpression,
			ExpressionAttributeNames:  put.ExpressionAttributeNames,
			ExpressionAttributeValues: put.ExpressionAttributeValues,
		})
	} else {
		upd := item.Update
		_, err = b.api.UpdateItem(ctx, &ddb.UpdateItemInput{
			TableName:                 upd.TableName,
			Key:                       upd.Key,
			UpdateExpression:          upd.UpdateExpression,
			ConditionExpression:       upd.ConditionExpression,
			ExpressionAttributeNames:  upd.ExpressionAttributeNames,
			ExpressionAttributeValues: upd.ExpressionAttributeValues,
		})
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return repository.NewConditionError(0)
	}
	if err != nil {
		return fmt.Errorf("execute write: %w", err)
	}
	return nil
}

func (b *Backend) getConfig(ctx context.Context, scope models.Scope) (*models.SystemConfig, error) {
	item, err := b.getItem(ctx, scopeKey(scope))
	if err != nil {
		return nil, fmt.Errorf("get config %s: %w", scope, err)
	}
	if len(item) == 0 {
		return &models.SystemConfig{Limits: []models.Limit{}}, nil
	}
	return unmarshalConfig(item)
}

func (b *Backend) GetLimits(ctx context.Context, scope models.Scope) ([]models.Limit, error) {
	cfg, err := b.getConfig(ctx, scope)
	if err != nil {
		return nil, err
	}
	return cfg.Limits, nil
}

func (b *Backend) SetLimits(ctx context.Context, scope models.Scope, limits []models.Limit) error {
	if scope.Level == models.ScopeSystem {
		update := expression.Set(expression.Name("limits"), expression.Value(toLimitValues(limits)))
		expr, err := expression.NewBuilder().WithUpdate(update).Build()
		if err != nil {
			return fmt.Errorf("build system limits update: %w", err)
		}
		_, err = b.api.UpdateItem(ctx, &ddb.UpdateItemInput{
			TableName:                 aws.String(b.table),
			Key:                       scopeKey(scope),
			UpdateExpression:          expr.Update(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		if err != nil {
			return fmt.Errorf("set limits %s: %w", scope, err)
		}
		return nil
	}
	return b.putConfig(ctx, scope, &models.SystemConfig{Limits: limits})
}

func (b *Backend) putConfig(ctx context.Context, scope models.Scope, cfg *models.SystemConfig) error {
	item, err := marshalConfig(scope, cfg)
	if err != nil {
		return err
	}
	if _, err := b.api.PutItem(ctx, &ddb.PutItemInput{TableName: aws.String(b.table), Item: item}); err != nil {
		return fmt.Errorf("put config %s: %w", scope, err)
	}
	return nil
}

func (b *Backend) DeleteLimits(ctx context.Context, scope models.Scope) error {
	if scope.Level == models.ScopeSystem {
		expr, err := expression.NewBuilder().WithUpdate(expression.Remove(expression.Name("limits"))).Build()
		if err != nil {
			return fmt.Errorf("build system limits removal: %w", err)
		}
		_, err = b.api.UpdateItem(ctx, &ddb.UpdateItemInput{
			TableName:                aws.String(b.table),
			Key:                      scopeKey(scope),
			UpdateExpression:         expr.Update(),
			ExpressionAttributeNames: expr.Names(),
		})
		if err != nil {
			return fmt.Errorf("delete limits %s: %w", scope, err)
		}
		return nil
	}
	if _, err := b.api.DeleteItem(ctx, &ddb.DeleteItemInput{
		TableName: aws.String(b.table),
		Key:       scopeKey(scope),
	}); err != nil {
		return fmt.Errorf("delete limits %s: %w", scope, err)
	}
	return nil
}

func (b *Backend) GetSystemConfig(ctx context.Context) (*models.SystemConfig, error) {
	return b.getConfig(ctx, models.SystemScope())
}

func (b *Backend) SetSystemConfig(ctx context.Context, cfg *models.SystemConfig) error {
	return b.putConfig(ctx, models.SystemScope(), cfg)
}

func (b *Backend) ListEntityLimitResources(ctx context.Context, entityID string) ([]string, error) {
	keys, err := b.queryKeys(ctx, entityPK(entityID), skEntityConf)
	if err != nil {
		return nil, fmt.Errorf("list limit resources of %s: %w", entityID, err)
	}
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, strings.TrimPrefix(readString(key, attrSK), skEntityConf))
	}
	sort.Strings(out)
	return out, nil
}

func (b *Backend) PutAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	item, err := marshalAudit(event, b.auditRetention)
	if err != nil {
		return err
	}
	if _, err := b.api.PutItem(ctx, &ddb.PutItemInput{TableName: aws.String(b.table), Item: item}); err != nil {
		return fmt.Errorf("put audit event: %w", err)
	}
	return nil
}

func (b *Backend) GetAuditEvents(ctx context.Context, entityID string, limit int) ([]models.AuditEvent, error) {
	keyCond := expression.Key(attrPK).Equal(expression.Value(entityPK(entityID))).
		And(expression.Key(attrSK).BeginsWith(skAudit))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build audit query: %w", err)
	}

	input := &ddb.QueryInput{
		TableName:                 aws.String(b.table),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var events []models.AuditEvent
	p := ddb.NewQueryPaginator(b.api, input)
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("get audit events of %s: %w", entityID, err)
		}
		for _, item := range page.Items {
			e, err := unmarshalAudit(item)
			if err != nil {
				return nil, err
			}
			events = append(events, e)
			if limit > 0 && len(events) == limit {
				return events, nil
			}
		}
	}
	return events, nil
}

package dynamodb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"quota-service/internal/models"
	"quota-service/internal/repository"
)

type entityItem struct {
	PK        string            `dynamodbav:"PK"`
	SK        string            `dynamodbav:"SK"`
	GSI1PK    string            `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK    string            `dynamodbav:"GSI1SK,omitempty"`
	ID        string            `dynamodbav:"entity_id"`
	Name      string            `dynamodbav:"name,omitempty"`
	ParentID  string            `dynamodbav:"parent_id,omitempty"`
	Cascade   bool              `dynamodbav:"cascade"`
	Metadata  map[string]string `dynamodbav:"metadata,omitempty"`
	CreatedAt int64             `dynamodbav:"created_at"`
}

type limitValue struct {
	Name                string `dynamodbav:"name"`
	Capacity            int64  `dynamodbav:"capacity"`
	Burst               int64  `dynamodbav:"burst"`
	RefillAmount        int64  `dynamodbav:"refill_amount"`
	RefillPeriodSeconds int64  `dynamodbav:"refill_period_seconds"`
}

type configItem struct {
	PK            string       `dynamodbav:"PK"`
	SK            string       `dynamodbav:"SK"`
	EntityID      string       `dynamodbav:"entity_id,omitempty"`
	Resource      string       `dynamodbav:"resource,omitempty"`
	Limits        []limitValue `dynamodbav:"limits"`
	OnUnavailable string       `dynamodbav:"on_unavailable,omitempty"`
}

type auditItem struct {
	PK        string            `dynamodbav:"PK"`
	SK        string            `dynamodbav:"SK"`
	EventID   string            `dynamodbav:"event_id"`
	Timestamp int64             `dynamodbav:"timestamp"`
	Action    string            `dynamodbav:"action"`
	EntityID  string            `dynamodbav:"entity_id"`
	Resource  string            `dynamodbav:"resource,omitempty"`
	Principal string            `dynamodbav:"principal,omitempty"`
	Details   map[string]string `dynamodbav:"details,omitempty"`
	TTL       int64             `dynamodbav:"ttl,omitempty"`
}

func marshalEntity(e *models.Entity) (map[string]types.AttributeValue, error) {
	item := entityItem{
		PK:        entityPK(e.ID),
		SK:        skMeta,
		ID:        e.ID,
		Name:      e.Name,
		ParentID:  e.ParentID,
		Cascade:   e.Cascade,
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt.UnixMilli(),
	}
	if e.ParentID != "" {
		item.GSI1PK = gsiParent + e.ParentID
		item.GSI1SK = gsiChild + e.ID
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal entity %s: %w", e.ID, err)
	}
	return av, nil
}

func unmarshalEntity(av map[string]types.AttributeValue) (*models.Entity, error) {
	var item entityItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshal entity: %w", err)
	}
	return &models.Entity{
		ID:        item.ID,
		Name:      item.Name,
		ParentID:  item.ParentID,
		Cascade:   item.Cascade,
		Metadata:  item.Metadata,
		CreatedAt: time.UnixMilli(item.CreatedAt).UTC(),
	}, nil
}

func toLimitValues(limits []models.Limit) []limitValue {
	out := make([]limitValue, 0, len(limits))
	for _, l := range limits {
		out = append(out, limitValue(l))
	}
	return out
}

func fromLimitValues(values []limitValue) []models.Limit {
	out := make([]models.Limit, 0, len(values))
	for _, v := range values {
		out = append(out, models.Limit(v))
	}
	return out
}

func marshalConfig(scope models.Scope, cfg *models.SystemConfig) (map[string]types.AttributeValue, error) {
	key := scopeKey(scope)
	item := configItem{
		PK:            key[attrPK].(*types.AttributeValueMemberS).Value,
		SK:            key[attrSK].(*types.AttributeValueMemberS).Value,
		EntityID:      scope.EntityID,
		Resource:      scope.Resource,
		Limits:        toLimitValues(cfg.Limits),
		OnUnavailable: string(cfg.OnUnavailable),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal config %s: %w", scope, err)
	}
	return av, nil
}

func unmarshalConfig(av map[string]types.AttributeValue) (*models.SystemConfig, error) {
	var item configItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &models.SystemConfig{
		Limits:        fromLimitValues(item.Limits),
		OnUnavailable: models.OnUnavailable(item.OnUnavailable),
	}, nil
}

func marshalAudit(e *models.AuditEvent, retention time.Duration) (map[string]types.AttributeValue, error) {
	item := auditItem{
		PK:        entityPK(e.EntityID),
		SK:        auditSK(e.Timestamp, e.EventID),
		EventID:   e.EventID,
		Timestamp: e.Timestamp.UnixMilli(),
		Action:    string(e.Action),
		EntityID:  e.EntityID,
		Resource:  e.Resource,
		Principal: e.Principal,
		Details:   e.Details,
	}
	if retention > 0 {
		item.TTL = e.Timestamp.Add(retention).Unix()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return nil, fmt.Errorf("marshal audit event: %w", err)
	}
	return av, nil
}

func unmarshalAudit(av map[string]types.AttributeValue) (models.AuditEvent, error) {
	var item auditItem
	if err := attributevalue.UnmarshalMap(av, &item); err != nil {
		return models.AuditEvent{}, fmt.Errorf("unmarshal audit event: %w", err)
	}
	return models.AuditEvent{
		EventID:   item.EventID,
		Timestamp: time.UnixMilli(item.Timestamp).UTC(),
		Action:    models.AuditAction(item.Action),
		EntityID:  item.EntityID,
		Resource:  item.Resource,
		Principal: item.Principal,
		Details:   item.Details,
	}, nil
}

func numberAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func readNumber(av types.AttributeValue) (int64, bool, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func readString(av map[string]types.AttributeValue, name string) string {
	if s, ok := av[name].(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

// marshalBucket builds the full item a create write puts.
func marshalBucket(w repository.BucketWrite) map[string]types.AttributeValue {
	item := bucketKey(w.Key)
	item[attrEntityID] = &types.AttributeValueMemberS{Value: w.Key.EntityID}
	item[attrResource] = &types.AttributeValueMemberS{Value: w.Key.Resource}
	item[attrRefill] = numberAttr(w.RefillMs)
	if w.TTL == repository.TTLSet && w.ExpiresAtMs > 0 {
		item[attrExpires] = numberAttr(w.ExpiresAtMs)
		item[attrTTL] = numberAttr(ttlSeconds(w.ExpiresAtMs))
	}
	for _, lw := range w.Limits {
		l := lw.Limit
		item[limitAttr(l.Name, sufTokens)] = numberAttr(lw.TokensMilli)
		item[limitAttr(l.Name, sufConsumed)] = numberAttr(lw.ConsumedDelta)
		item[limitAttr(l.Name, sufCapacity)] = numberAttr(l.Capacity * models.MilliScale)
		item[limitAttr(l.Name, sufBurst)] = numberAttr(l.Burst * models.MilliScale)
		item[limitAttr(l.Name, sufRefillAmt)] = numberAttr(l.RefillAmount * models.MilliScale)
		item[limitAttr(l.Name, sufRefillPer)] = numberAttr(l.RefillPeriodMs())
		item[limitAttr(l.Name, sufRefillAt)] = numberAttr(w.LimitRefillMs(lw))
	}
	return item
}

// ttlSeconds rounds up so the store never expires a record early.
func ttlSeconds(ms int64) int64 {
	return (ms + 999) / 1000
}

func unmarshalBucket(av map[string]types.AttributeValue) (*repository.BucketRecord, error) {
	key := models.BucketKey{
		EntityID: readString(av, attrEntityID),
		Resource: readString(av, attrResource),
	}
	if key.Resource == "" {
		key.Resource = strings.TrimPrefix(readString(av, attrSK), skBucket)
	}
	if key.EntityID == "" {
		key.EntityID = strings.TrimPrefix(readString(av, attrPK), pkEntity)
	}

	rec := &repository.BucketRecord{Key: key, Limits: make(map[string]models.BucketState)}
	refillAt := make(map[string]int64)
	for attr, value := range av {
		v, ok, err := readNumber(value)
		if err != nil {
			return nil, fmt.Errorf("bucket %s attribute %s: %w", key, attr, err)
		}
		if !ok {
			continue
		}
		switch attr {
		case attrRefill:
			rec.RefillMs = v
			continue
		case attrExpires:
			rec.ExpiresAtMs = v
			continue
		}

		name, suffix, ok := parseLimitAttr(attr)
		if !ok {
			continue
		}
		state := rec.Limits[name]
		switch suffix {
		case sufTokens:
			state.TokensMilli = v
		case sufCapacity:
			state.CapacityMilli = v
		case sufBurst:
			state.BurstMilli = v
		case sufRefillAmt:
			state.RefillAmountMilli = v
		case sufRefillPer:
			state.RefillPeriodMs = v
		case sufConsumed:
			state.TotalConsumed = v
		case sufRefillAt:
			refillAt[name] = v
		default:
			continue
		}
		rec.Limits[name] = state
	}

	for name, state := range rec.Limits {
		state.EntityID = key.EntityID
		state.Resource = key.Resource
		state.LimitName = name
		state.LastRefillMs = rec.RefillMs
		if ms, ok := refillAt[name]; ok {
			state.LastRefillMs = ms
		}
		state.ExpiresAtMs = rec.ExpiresAtMs
		rec.Limits[name] = state
	}
	return rec, nil
}

// Package repository defines the storage contract the limiter depends on.
// Concrete backends live in the memory, redis and dynamodb subpackages.
package repository

import (
	"context"
	"sort"

	"quota-service/internal/models"
)

type EntityStore interface {
	// GetEntity returns ErrNotFound when the entity does not exist.
	GetEntity(ctx context.Context, entityID string) (*models.Entity, error)
	// CreateEntity returns ErrAlreadyExists when the ID is taken.
	CreateEntity(ctx context.Context, entity *models.Entity) error
	// DeleteEntity removes the entity with its buckets, entity-scope limits
	// and audit trail. Deleting a missing entity is not an error.
	DeleteEntity(ctx context.Context, entityID string) error
	GetChildren(ctx context.Context, parentID string) ([]*models.Entity, error)
}

type BucketStore interface {
	// GetBucket returns ErrNotFound when the bucket does not exist.
	GetBucket(ctx context.Context, entityID, resource, limitName string) (*models.BucketState, error)
	// GetBuckets returns every bucket of the entity, restricted to resource
	// when it is not empty.
	GetBuckets(ctx context.Context, entityID, resource string) ([]models.BucketState, error)
	// BatchGet reads entities and bucket records in as few round trips as the
	// store allows. Missing items are absent from the result maps.
	BatchGet(ctx context.Context, req BatchGetRequest) (*BatchGetResult, error)
	// ExecuteWrite applies every write atomically or none of them. A failed
	// condition returns a *ConditionError naming the failed writes.
	ExecuteWrite(ctx context.Context, writes []BucketWrite) error
}

type ConfigStore interface {
	// GetLimits returns an empty slice when no limits are stored at scope.
	GetLimits(ctx context.Context, scope models.Scope) ([]models.Limit, error)
	SetLimits(ctx context.Context, scope models.Scope, limits []models.Limit) error
	DeleteLimits(ctx context.Context, scope models.Scope) error
	// GetSystemConfig returns an empty config when nothing is stored.
	GetSystemConfig(ctx context.Context) (*models.SystemConfig, error)
	SetSystemConfig(ctx context.Context, cfg *models.SystemConfig) error
	// ListEntityLimitResources lists the resources with entity-scope limits.
	ListEntityLimitResources(ctx context.Context, entityID string) ([]string, error)
}

type AuditStore interface {
	PutAuditEvent(ctx context.Context, event *models.AuditEvent) error
	// GetAuditEvents returns up to limit events for the entity, newest first.
	GetAuditEvents(ctx context.Context, entityID string, limit int) ([]models.AuditEvent, error)
}

// Backend is the full storage contract.
type Backend interface {
	EntityStore
	BucketStore
	ConfigStore
	AuditStore

	Ping(ctx context.Context) error
	Close() error
}

type BatchGetRequest struct {
	EntityIDs []string
	Buckets   []models.BucketKey
}

type BatchGetResult struct {
	Entities map[string]*models.Entity
	Buckets  map[models.BucketKey]*BucketRecord
}

func NewBatchGetResult() *BatchGetResult {
	return &BatchGetResult{
		Entities: make(map[string]*models.Entity),
		Buckets:  make(map[models.BucketKey]*BucketRecord),
	}
}

// BucketRecord is the stored record for one (entity, resource): every
// limit's bucket plus the refill timestamp they share.
type BucketRecord struct {
	Key         models.BucketKey
	RefillMs    int64
	ExpiresAtMs int64
	Limits      map[string]models.BucketState
}

// States returns the record's buckets sorted by limit name.
func (r *BucketRecord) States() []models.BucketState {
	names := make([]string, 0, len(r.Limits))
	for name := range r.Limits {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]models.BucketState, 0, len(names))
	for _, name := range names {
		out = append(out, r.Limits[name])
	}
	return out
}

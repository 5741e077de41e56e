package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-service/internal/models"
	"quota-service/internal/repository"
)

var bucketKey = models.BucketKey{EntityID: "user-1", Resource: "gpt-4"}

func newTestBackend(t *testing.T, opts ...Option) (*Backend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts...), mr
}

func createWrite(nowMs int64, limits ...models.Limit) repository.BucketWrite {
	w := repository.BucketWrite{Mode: repository.WriteCreate, Key: bucketKey, RefillMs: nowMs}
	for _, l := range limits {
		w.Limits = append(w.Limits, repository.LimitWrite{
			Limit:         l,
			TokensMilli:   l.Burst*models.MilliScale - 5000,
			ConsumedDelta: 5000,
		})
	}
	return w
}

func TestExecuteWrite_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBackend(t)
	rpm := models.PerMinute("rpm", 100)
	tpm := models.PerMinute("tpm", 10000).WithBurst(20000)

	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{createWrite(1700000000000, rpm, tpm)}))

	assert.Equal(t, "1700000000000", mr.HGet("quota:bucket:user-1#gpt-4", "rf"))
	assert.Equal(t, "95000", mr.HGet("quota:bucket:user-1#gpt-4", "rpm:tk"))
	members, err := mr.Members("quota:buckets:user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4"}, members)

	state, err := b.GetBucket(ctx, "user-1", "gpt-4", "tpm")
	require.NoError(t, err)
	assert.Equal(t, int64(19995000), state.TokensMilli)
	assert.Equal(t, int64(20000000), state.BurstMilli)
	assert.Equal(t, int64(10000000), state.CapacityMilli)
	assert.Equal(t, int64(60000), state.RefillPeriodMs)
	assert.Equal(t, int64(5000), state.TotalConsumed)
	assert.Equal(t, int64(1700000000000), state.LastRefillMs)
	assert.Equal(t, "user-1", state.EntityID)

	err = b.ExecuteWrite(ctx, []repository.BucketWrite{createWrite(1700000000001, rpm)})
	assert.ErrorIs(t, err, repository.ErrConditionFailed)
	assert.Equal(t, []int{0}, repository.FailedIndexes(err))
}

func TestExecuteWrite_NormalPath(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	rpm := models.PerMinute("rpm", 100)
	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{createWrite(1000, rpm)}))

	normal := repository.BucketWrite{
		Mode:             repository.WriteNormal,
		Key:              bucketKey,
		RefillMs:         7000,
		ExpectedRefillMs: 1000,
		TTL:              repository.TTLClear,
		Limits: []repository.LimitWrite{
			{Limit: rpm, TokensDelta: 3000, ConsumedDelta: 2000},
			{Limit: models.PerSecond("rps", 5), Init: true, TokensMilli: 4000, ConsumedDelta: 1000},
		},
	}
	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{normal}))

	states, err := b.GetBuckets(ctx, "user-1", "")
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "rpm", states[0].LimitName)
	assert.Equal(t, int64(98000), states[0].TokensMilli)
	assert.Equal(t, int64(7000), states[0].TotalConsumed)
	assert.Equal(t, int64(7000), states[0].LastRefillMs)
	assert.Equal(t, "rps", states[1].LimitName)
	assert.Equal(t, int64(4000), states[1].TokensMilli)
	assert.Equal(t, int64(5000), states[1].BurstMilli)

	// refill timestamp moved on
	err = b.ExecuteWrite(ctx, []repository.BucketWrite{normal})
	assert.ErrorIs(t, err, repository.ErrConditionFailed)
}

func TestExecuteWrite_RetryGuardAndAdjust(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	rpm := models.PerMinute("rpm", 100)
	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{createWrite(1000, rpm)}))

	retry := repository.BucketWrite{
		Mode: repository.WriteRetry,
		Key:  bucketKey,
		Limits: []repository.LimitWrite{
			{Limit: rpm, TokensDelta: -96000, ConsumedDelta: 96000, MinTokensMilli: 96000},
		},
	}
	assert.ErrorIs(t, b.ExecuteWrite(ctx, []repository.BucketWrite{retry}), repository.ErrConditionFailed)

	retry.Limits[0] = repository.LimitWrite{Limit: rpm, TokensDelta: -95000, ConsumedDelta: 95000, MinTokensMilli: 95000}
	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{retry}))

	adjust := repository.BucketWrite{
		Mode:   repository.WriteAdjust,
		Key:    bucketKey,
		Limits: []repository.LimitWrite{{Limit: rpm, TokensDelta: -250000, ConsumedDelta: 250000}},
	}
	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{adjust}))

	state, err := b.GetBucket(ctx, "user-1", "gpt-4", "rpm")
	require.NoError(t, err)
	assert.Equal(t, int64(-250000), state.TokensMilli)
	assert.Equal(t, int64(350000), state.TotalConsumed)
	assert.Equal(t, int64(1000), state.LastRefillMs)

	missing := adjust
	missing.Key = models.BucketKey{EntityID: "nobody", Resource: "gpt-4"}
	assert.ErrorIs(t, b.ExecuteWrite(ctx, []repository.BucketWrite{missing}), repository.ErrConditionFailed)
}

func TestExecuteWrite_TransactionIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBackend(t)
	rpm := models.PerMinute("rpm", 100)
	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{createWrite(1000, rpm)}))

	parent := createWrite(1000, rpm)
	parent.Key = models.BucketKey{EntityID: "org-1", Resource: "gpt-4"}
	stale := repository.BucketWrite{
		Mode:             repository.WriteNormal,
		Key:              bucketKey,
		RefillMs:         2000,
		ExpectedRefillMs: 999,
		Limits:           []repository.LimitWrite{{Limit: rpm, TokensDelta: -1000, ConsumedDelta: 1000}},
	}

	err := b.ExecuteWrite(ctx, []repository.BucketWrite{parent, stale})
	assert.Equal(t, []int{1}, repository.FailedIndexes(err))
	assert.False(t, mr.Exists("quota:bucket:org-1#gpt-4"))
}

func TestExecuteWrite_TTL(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBackend(t)
	rpm := models.PerMinute("rpm", 100)

	expires := time.Now().Add(10 * time.Minute).UnixMilli()
	w := createWrite(1000, rpm)
	w.TTL = repository.TTLSet
	w.ExpiresAtMs = expires
	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{w}))

	res, err := b.BatchGet(ctx, repository.BatchGetRequest{Buckets: []models.BucketKey{bucketKey}})
	require.NoError(t, err)
	require.Contains(t, res.Buckets, bucketKey)
	assert.Equal(t, expires, res.Buckets[bucketKey].ExpiresAtMs)
	assert.Greater(t, mr.TTL("quota:bucket:user-1#gpt-4"), time.Duration(0))

	mr.FastForward(11 * time.Minute)
	res, err = b.BatchGet(ctx, repository.BatchGetRequest{Buckets: []models.BucketKey{bucketKey}})
	require.NoError(t, err)
	assert.NotContains(t, res.Buckets, bucketKey)
}

func TestExecuteWrite_TTLClearedOnNormal(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBackend(t)
	rpm := models.PerMinute("rpm", 100)

	w := createWrite(1000, rpm)
	w.TTL = repository.TTLSet
	w.ExpiresAtMs = time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{w}))

	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{{
		Mode:             repository.WriteNormal,
		Key:              bucketKey,
		RefillMs:         2000,
		ExpectedRefillMs: 1000,
		TTL:              repository.TTLClear,
		Limits:           []repository.LimitWrite{{Limit: rpm}},
	}}))
	assert.Equal(t, time.Duration(0), mr.TTL("quota:bucket:user-1#gpt-4"))
	assert.Empty(t, mr.HGet("quota:bucket:user-1#gpt-4", "ex"))
}

func TestEntities(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBackend(t, WithKeyPrefix("t:"))

	created := time.UnixMilli(1700000000000).UTC()
	require.NoError(t, b.CreateEntity(ctx, &models.Entity{ID: "org-1", Name: "Acme", CreatedAt: created}))
	require.NoError(t, b.CreateEntity(ctx, &models.Entity{
		ID: "user-1", ParentID: "org-1", Cascade: true,
		Metadata: map[string]string{"plan": "pro"}, CreatedAt: created,
	}))
	assert.ErrorIs(t, b.CreateEntity(ctx, &models.Entity{ID: "org-1"}), repository.ErrAlreadyExists)

	e, err := b.GetEntity(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", e.ParentID)
	assert.True(t, e.Cascade)
	assert.Equal(t, "pro", e.Metadata["plan"])
	assert.Equal(t, created, e.CreatedAt)

	children, err := b.GetChildren(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "user-1", children[0].ID)

	require.NoError(t, b.SetLimits(ctx, models.EntityScope("user-1", "gpt-4"), []models.Limit{models.PerMinute("rpm", 5)}))
	require.NoError(t, b.PutAuditEvent(ctx, &models.AuditEvent{EventID: "a1", EntityID: "user-1"}))
	w := createWrite(1000, models.PerMinute("rpm", 5))
	require.NoError(t, b.ExecuteWrite(ctx, []repository.BucketWrite{w}))

	require.NoError(t, b.DeleteEntity(ctx, "user-1"))
	_, err = b.GetEntity(ctx, "user-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	for _, key := range []string{
		"t:bucket:user-1#gpt-4", "t:buckets:user-1", "t:limits:entity:user-1#gpt-4",
		"t:limits:entity-resources:user-1", "t:audit:user-1",
	} {
		assert.False(t, mr.Exists(key), key)
	}
	children, err = b.GetChildren(ctx, "org-1")
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestLimitsAndSystemConfig(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	limits, err := b.GetLimits(ctx, models.ResourceScope("gpt-4"))
	require.NoError(t, err)
	assert.Empty(t, limits)

	want := []models.Limit{models.PerMinute("rpm", 100), models.PerMinute("tpm", 10000).WithBurst(15000)}
	require.NoError(t, b.SetLimits(ctx, models.ResourceScope("gpt-4"), want))
	limits, err = b.GetLimits(ctx, models.ResourceScope("gpt-4"))
	require.NoError(t, err)
	assert.Equal(t, want, limits)

	require.NoError(t, b.SetLimits(ctx, models.EntityScope("user-1", "gpt-4"), want[:1]))
	require.NoError(t, b.SetLimits(ctx, models.EntityScope("user-1", "claude"), want[:1]))
	resources, err := b.ListEntityLimitResources(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"claude", "gpt-4"}, resources)

	require.NoError(t, b.DeleteLimits(ctx, models.EntityScope("user-1", "claude")))
	resources, err = b.ListEntityLimitResources(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4"}, resources)

	require.NoError(t, b.SetSystemConfig(ctx, &models.SystemConfig{Limits: want[:1], OnUnavailable: models.OnUnavailableAllow}))
	require.NoError(t, b.SetLimits(ctx, models.SystemScope(), want))
	cfg, err := b.GetSystemConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, cfg.Limits)
	assert.Equal(t, models.OnUnavailableAllow, cfg.OnUnavailable)

	require.NoError(t, b.DeleteLimits(ctx, models.SystemScope()))
	limits, err = b.GetLimits(ctx, models.SystemScope())
	require.NoError(t, err)
	assert.Empty(t, limits)
}

func TestAuditTrimmed(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t, WithMaxAuditEvents(2))

	for _, id := range []string{"a1", "a2", "a3"} {
		require.NoError(t, b.PutAuditEvent(ctx, &models.AuditEvent{
			EventID: id, EntityID: "user-1", Action: models.AuditLimitsSet,
		}))
	}
	events, err := b.GetAuditEvents(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a3", events[0].EventID)
	assert.Equal(t, models.AuditLimitsSet, events[0].Action)
}

func TestPing(t *testing.T) {
	b, mr := newTestBackend(t)
	require.NoError(t, b.Ping(context.Background()))
	mr.Close()
	assert.Error(t, b.Ping(context.Background()))
}

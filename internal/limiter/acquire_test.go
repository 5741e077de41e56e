package limiter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-service/internal/models"
	"quota-service/internal/repository"
)

func TestAcquire_PerMinuteLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setResourceDefaults(t, "gpt-4", models.PerMinute("rpm", 100))

	h.acquireAndCommit(t, "user-1", "gpt-4", map[string]int64{"rpm": 60})

	_, err := h.limiter.Acquire(ctx, "user-1", "gpt-4", map[string]int64{"rpm": 60})
	require.ErrorIs(t, err, ErrRateLimitExceeded)

	var rle *RateLimitExceededError
	require.ErrorAs(t, err, &rle)
	require.Len(t, rle.Violations(), 1)
	v := rle.Violations()[0]
	assert.Equal(t, "rpm", v.LimitName)
	assert.Equal(t, int64(40), v.Available)
	assert.Equal(t, int64(60), v.Requested)
	assert.InDelta(t, 12.001, rle.RetryAfterSeconds, 1e-9)
	assert.Equal(t, 13, rle.RetryAfterHeader())
	assert.Empty(t, rle.Passed())

	assert.Equal(t, int64(40000), h.bucket(t, "user-1", "gpt-4", "rpm").TokensMilli)
}

func TestAcquire_ReportsEveryLimit(t *testing.T) {
	h := newHarness(t)
	h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100), models.PerMinute("tpm", 10000))

	lease, err := h.limiter.Acquire(context.Background(), "user-1", "api", map[string]int64{"rpm": 1})
	require.NoError(t, err)

	statuses := lease.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "rpm", statuses[0].LimitName)
	assert.Equal(t, int64(1), statuses[0].Requested)
	assert.Equal(t, "tpm", statuses[1].LimitName)
	assert.Zero(t, statuses[1].Requested)
	assert.Equal(t, int64(10000), statuses[1].Available)
	require.NoError(t, lease.Rollback())
}

func TestAcquire_AllOrNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100), models.PerMinute("tpm", 1000))

	_, err := h.limiter.Acquire(ctx, "user-1", "api", map[string]int64{"rpm": 1, "tpm": 5000})
	var rle *RateLimitExceededError
	require.ErrorAs(t, err, &rle)
	require.Len(t, rle.Passed(), 1)
	assert.Equal(t, "rpm", rle.Passed()[0].LimitName)
	require.Len(t, rle.Violations(), 1)
	assert.Equal(t, "tpm", rle.Violations()[0].LimitName)

	_, err = h.backend.GetBucket(ctx, "user-1", "api", "rpm")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Empty(t, h.backend.writeModes())
}

func TestAcquire_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))

	tests := []struct {
		name     string
		entityID string
		resource string
		consume  map[string]int64
		opts     []AcquireOption
	}{
		{"empty entity", "", "api", nil, nil},
		{"delimiter in resource", "user-1", "a#b", nil, nil},
		{"negative amount", "user-1", "api", map[string]int64{"rpm": -1}, nil},
		{"unknown limit", "user-1", "api", map[string]int64{"rmp": 1}, nil},
		{"bad override", "user-1", "api", nil, []AcquireOption{WithLimits(models.PerMinute("x", 0))}},
		{"bad policy", "user-1", "api", nil, []AcquireOption{WithOnUnavailable("sometimes")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.limiter.Acquire(ctx, tt.entityID, tt.resource, tt.consume, tt.opts...)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestAcquire_NoLimitsConfigured(t *testing.T) {
	h := newHarness(t)
	_, err := h.limiter.Acquire(context.Background(), "user-1", "api", map[string]int64{"rpm": 1})
	assert.ErrorIs(t, err, ErrConfiguration)

	lease, err := h.limiter.Acquire(context.Background(), "user-1", "api", map[string]int64{"rpm": 1},
		WithLimits(models.PerMinute("rpm", 5)))
	require.NoError(t, err)
	require.NoError(t, lease.Commit(context.Background()))
	assert.Equal(t, int64(4000), h.bucket(t, "user-1", "api", "rpm").TokensMilli)
}

func TestAcquire_Cascade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))
	require.NoError(t, h.limiter.CreateEntity(ctx, &models.Entity{ID: "org"}))
	require.NoError(t, h.limiter.CreateEntity(ctx, &models.Entity{ID: "key", ParentID: "org", Cascade: true}))
	require.NoError(t, h.limiter.SetLimits(ctx, "org", "api", []models.Limit{models.PerMinute("rpm", 40)}))

	h.acquireAndCommit(t, "key", "api", map[string]int64{"rpm": 30})
	assert.Equal(t, int64(70000), h.bucket(t, "key", "api", "rpm").TokensMilli)
	assert.Equal(t, int64(10000), h.bucket(t, "org", "api", "rpm").TokensMilli)
	assert.Equal(t, [][]repository.WriteMode{{repository.WriteCreate, repository.WriteCreate}}, h.backend.writeModes())

	_, err := h.limiter.Acquire(ctx, "key", "api", map[string]int64{"rpm": 20})
	var rle *RateLimitExceededError
	require.ErrorAs(t, err, &rle)
	require.Len(t, rle.Violations(), 1)
	assert.Equal(t, "org", rle.Violations()[0].EntityID)
	require.Len(t, rle.Passed(), 1)
	assert.Equal(t, "key", rle.Passed()[0].EntityID)

	assert.Equal(t, int64(70000), h.bucket(t, "key", "api", "rpm").TokensMilli)
	assert.Equal(t, int64(10000), h.bucket(t, "org", "api", "rpm").TokensMilli)
}

func TestAcquire_NonCascadingChild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))
	require.NoError(t, h.limiter.CreateEntity(ctx, &models.Entity{ID: "org"}))
	require.NoError(t, h.limiter.CreateEntity(ctx, &models.Entity{ID: "key", ParentID: "org"}))

	h.acquireAndCommit(t, "key", "api", map[string]int64{"rpm": 30})

	_, err := h.backend.GetBucket(ctx, "org", "api", "rpm")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestAcquire_StoreUnavailable(t *testing.T) {
	storeErr := errors.New("connection refused")

	t.Run("block", func(t *testing.T) {
		h := newHarness(t)
		h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))
		h.backend.setBatchErr(storeErr)

		_, err := h.limiter.Acquire(context.Background(), "user-1", "api", map[string]int64{"rpm": 1})
		require.ErrorIs(t, err, ErrBackendUnavailable)
		require.ErrorIs(t, err, storeErr)
		var uerr *UnavailableError
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, "acquire", uerr.Op)
	})

	t.Run("allow from system policy", func(t *testing.T) {
		h := newHarness(t)
		h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))
		require.NoError(t, h.limiter.SetSystemDefaults(context.Background(), nil, models.OnUnavailableAllow))
		h.backend.setBatchErr(storeErr)

		lease, err := h.limiter.Acquire(context.Background(), "user-1", "api", map[string]int64{"rpm": 1})
		require.NoError(t, err)
		assert.True(t, lease.Untracked())
		require.NoError(t, lease.Consume(map[string]int64{"anything": 5}))
		require.NoError(t, lease.Commit(context.Background()))
		assert.Empty(t, h.backend.writeModes())
	})

	t.Run("override beats system policy", func(t *testing.T) {
		h := newHarness(t)
		h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))
		require.NoError(t, h.limiter.SetSystemDefaults(context.Background(), nil, models.OnUnavailableAllow))
		h.backend.setBatchErr(storeErr)

		_, err := h.limiter.Acquire(context.Background(), "user-1", "api", map[string]int64{"rpm": 1},
			WithOnUnavailable(models.OnUnavailableBlock))
		assert.ErrorIs(t, err, ErrBackendUnavailable)
	})

	t.Run("cancellation passes through", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.OnUnavailable = models.OnUnavailableAllow })
		h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))
		h.backend.setBatchErr(context.Canceled)

		_, err := h.limiter.Acquire(context.Background(), "user-1", "api", map[string]int64{"rpm": 1})
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrBackendUnavailable)
	})
}

func TestLease_ConsumeAdjustRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))

	lease, err := h.limiter.Acquire(ctx, "user-1", "api", map[string]int64{"rpm": 10})
	require.NoError(t, err)
	require.NoError(t, lease.Consume(map[string]int64{"rpm": 20}))
	require.NoError(t, lease.Adjust(map[string]int64{"rpm": 5}))
	require.NoError(t, lease.Release(map[string]int64{"rpm": 3}))

	err = lease.Consume(map[string]int64{"rpm": 80})
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.ErrorIs(t, lease.Consume(map[string]int64{"nope": 1}), models.ErrValidation)

	require.NoError(t, lease.Commit(ctx))

	got, err := h.limiter.Available(ctx, "user-1", "api")
	require.NoError(t, err)
	assert.Equal(t, int64(68), got["rpm"])
	assert.Equal(t, int64(32000), h.bucket(t, "user-1", "api", "rpm").TotalConsumed)
}

func TestLease_AdjustIntoDebt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setResourceDefaults(t, "api", models.PerMinute("rpm", 10))

	lease, err := h.limiter.Acquire(ctx, "user-1", "api", map[string]int64{"rpm": 10})
	require.NoError(t, err)
	require.NoError(t, lease.Adjust(map[string]int64{"rpm": 5}))
	require.NoError(t, lease.Commit(ctx))

	assert.Equal(t, int64(-5000), h.bucket(t, "user-1", "api", "rpm").TokensMilli)
}

func TestLease_SingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))

	committed, err := h.limiter.Acquire(ctx, "user-1", "api", map[string]int64{"rpm": 1})
	require.NoError(t, err)
	require.NoError(t, committed.Commit(ctx))
	assert.ErrorIs(t, committed.Commit(ctx), ErrLeaseClosed)
	assert.ErrorIs(t, committed.Rollback(), ErrLeaseClosed)
	assert.ErrorIs(t, committed.Consume(map[string]int64{"rpm": 1}), ErrLeaseClosed)

	rolledBack, err := h.limiter.Acquire(ctx, "user-1", "api", map[string]int64{"rpm": 1})
	require.NoError(t, err)
	require.NoError(t, rolledBack.Rollback())
	assert.ErrorIs(t, rolledBack.Commit(ctx), ErrLeaseClosed)
	assert.ErrorIs(t, rolledBack.Adjust(map[string]int64{"rpm": 1}), ErrLeaseClosed)

	assert.Equal(t, int64(99000), h.bucket(t, "user-1", "api", "rpm").TokensMilli)
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("commits on success", func(t *testing.T) {
		h := newHarness(t)
		h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))

		err := h.limiter.Do(ctx, "user-1", "api", map[string]int64{"rpm": 10}, func(_ context.Context, lease *Lease) error {
			return lease.Release(map[string]int64{"rpm": 4})
		})
		require.NoError(t, err)
		assert.Equal(t, int64(94000), h.bucket(t, "user-1", "api", "rpm").TokensMilli)
	})

	t.Run("rolls back on error", func(t *testing.T) {
		h := newHarness(t)
		h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))
		boom := errors.New("upstream failed")

		err := h.limiter.Do(ctx, "user-1", "api", map[string]int64{"rpm": 10}, func(context.Context, *Lease) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, h.backend.writeModes())
	})

	t.Run("rolls back on panic", func(t *testing.T) {
		h := newHarness(t)
		h.setResourceDefaults(t, "api", models.PerMinute("rpm", 100))

		var leaked *Lease
		assert.Panics(t, func() {
			_ = h.limiter.Do(ctx, "user-1", "api", map[string]int64{"rpm": 10}, func(_ context.Context, lease *Lease) error {
				leaked = lease
				panic("handler bug")
			})
		})
		require.NotNil(t, leaked)
		assert.ErrorIs(t, leaked.Commit(ctx), ErrLeaseClosed)
		assert.Empty(t, h.backend.writeModes())
	})

	t.Run("limit exceeded skips fn", func(t *testing.T) {
		h := newHarness(t)
		h.setResourceDefaults(t, "api", models.PerMinute("rpm", 5))

		called := false
		err := h.limiter.Do(ctx, "user-1", "api", map[string]int64{"rpm": 10}, func(context.Context, *Lease) error {
			called = true
			return nil
		})
		assert.ErrorIs(t, err, ErrRateLimitExceeded)
		assert.False(t, called)
	})
}

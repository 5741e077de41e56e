package configcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quota-service/internal/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func countingLoader(calls *atomic.Int32, limits []models.Limit) LimitsLoader {
	return func(ctx context.Context) ([]models.Limit, error) {
		calls.Add(1)
		return limits, nil
	}
}

func TestEntityLimits_NegativeCache(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, nil)
	var calls atomic.Int32
	load := countingLoader(&calls, nil)

	limits, err := c.GetEntityLimits(ctx, "user-1", "api", load)
	require.NoError(t, err)
	assert.Empty(t, limits)

	limits, err = c.GetEntityLimits(ctx, "user-1", "api", load)
	require.NoError(t, err)
	assert.Empty(t, limits)
	assert.Equal(t, int32(1), calls.Load(), "empty result must be cached")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestResourceLimits_ExpireAfterTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := New(time.Minute, clock.Now)
	var calls atomic.Int32
	load := countingLoader(&calls, []models.Limit{models.PerMinute("rpm", 10)})

	_, err := c.GetResourceLimits(ctx, "api", load)
	require.NoError(t, err)
	clock.Advance(59 * time.Second)
	_, err = c.GetResourceLimits(ctx, "api", load)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	clock.Advance(time.Second)
	limits, err := c.GetResourceLimits(ctx, "api", load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "rpm", limits[0].Name)
}

func TestZeroTTLDisablesCaching(t *testing.T) {
	ctx := context.Background()
	c := New(0, nil)
	var calls atomic.Int32
	load := countingLoader(&calls, nil)

	for i := 0; i < 3; i++ {
		_, err := c.GetEntityLimits(ctx, "user-1", "api", load)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, c.Stats().Entries)
}

func TestLoaderErrorsAreNotCached(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, nil)
	boom := errors.New("store down")
	var calls atomic.Int32

	load := func(ctx context.Context) ([]models.Limit, error) {
		calls.Add(1)
		return nil, boom
	}
	_, err := c.GetResourceLimits(ctx, "api", load)
	assert.ErrorIs(t, err, boom)
	_, err = c.GetResourceLimits(ctx, "api", load)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSystemConfigCached(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, nil)
	var calls atomic.Int32
	load := func(ctx context.Context) (*models.SystemConfig, error) {
		calls.Add(1)
		return &models.SystemConfig{OnUnavailable: models.OnUnavailableAllow}, nil
	}

	for i := 0; i < 2; i++ {
		cfg, err := c.GetSystemConfig(ctx, load)
		require.NoError(t, err)
		assert.Equal(t, models.OnUnavailableAllow, cfg.OnUnavailable)
	}
	assert.Equal(t, int32(1), calls.Load())

	c.InvalidateSystem()
	_, err := c.GetSystemConfig(ctx, load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestInvalidateClearsAllSlots(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, nil)
	var calls atomic.Int32
	load := countingLoader(&calls, []models.Limit{models.PerMinute("rpm", 10)})
	sys := func(ctx context.Context) (*models.SystemConfig, error) { return &models.SystemConfig{}, nil }

	_, _ = c.GetEntityLimits(ctx, "user-1", "api", load)
	_, _ = c.GetResourceLimits(ctx, "api", load)
	_, _ = c.GetSystemConfig(ctx, sys)
	assert.Equal(t, 3, c.Stats().Entries)

	c.Invalidate()
	assert.Zero(t, c.Stats().Entries)
}

func TestInvalidateEntityScoped(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, nil)
	var calls atomic.Int32
	load := countingLoader(&calls, nil)

	_, _ = c.GetEntityLimits(ctx, "user-1", "api", load)
	_, _ = c.GetEntityLimits(ctx, "user-1", "chat", load)
	_, _ = c.GetEntityLimits(ctx, "user-2", "api", load)

	c.InvalidateEntity("user-1", "api")
	assert.Equal(t, 2, c.Stats().Entries)

	c.InvalidateEntityAll("user-1")
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestInvalidateDuringLoadDoesNotStoreStaleValue(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, nil)
	started := make(chan struct{})
	release := make(chan struct{})

	slow := func(ctx context.Context) ([]models.Limit, error) {
		close(started)
		<-release
		return []models.Limit{models.PerMinute("old", 1)}, nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		limits, err := c.GetEntityLimits(ctx, "user-1", "api", slow)
		assert.NoError(t, err)
		assert.Equal(t, "old", limits[0].Name)
	}()

	<-started
	c.InvalidateEntity("user-1", "api")
	close(release)
	<-done

	var calls atomic.Int32
	limits, err := c.GetEntityLimits(ctx, "user-1", "api", countingLoader(&calls, []models.Limit{models.PerMinute("new", 1)}))
	require.NoError(t, err)
	assert.Equal(t, "new", limits[0].Name)
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentMissesShareOneLoad(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, nil)
	release := make(chan struct{})
	var calls atomic.Int32

	load := func(ctx context.Context) ([]models.Limit, error) {
		calls.Add(1)
		<-release
		return []models.Limit{models.PerMinute("rpm", 10)}, nil
	}

	const goroutines = 16
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limits, err := c.GetResourceLimits(ctx, "api", load)
			assert.NoError(t, err)
			assert.Len(t, limits, 1)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Less(t, calls.Load(), int32(goroutines))
}

func TestCancelledCallerDoesNotFailSharedLoad(t *testing.T) {
	c := New(time.Minute, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32

	load := func(ctx context.Context) ([]models.Limit, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return []models.Limit{models.PerMinute("rpm", 10)}, nil
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := c.GetEntityLimits(leaderCtx, "user-1", "api", load)
		leaderErr <- err
	}()
	<-started

	type result struct {
		limits []models.Limit
		err    error
	}
	follower := make(chan result, 1)
	go func() {
		limits, err := c.GetEntityLimits(context.Background(), "user-1", "api", load)
		follower <- result{limits, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelLeader()
	select {
	case err := <-leaderErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled caller kept waiting on the shared load")
	}

	close(release)
	res := <-follower
	require.NoError(t, res.err)
	require.Len(t, res.limits, 1)
	assert.Equal(t, "rpm", res.limits[0].Name)
	assert.Equal(t, int32(1), calls.Load())

	// the shared load still populated the cache
	limits, err := c.GetEntityLimits(context.Background(), "user-1", "api", load)
	require.NoError(t, err)
	assert.Len(t, limits, 1)
	assert.Equal(t, int32(1), calls.Load())
}

func TestReturnedLimitsAreCopies(t *testing.T) {
	ctx := context.Background()
	c := New(time.Minute, nil)
	var calls atomic.Int32
	load := countingLoader(&calls, []models.Limit{models.PerMinute("rpm", 10)})

	first, err := c.GetResourceLimits(ctx, "api", load)
	require.NoError(t, err)
	first[0].Capacity = 999

	second, err := c.GetResourceLimits(ctx, "api", load)
	require.NoError(t, err)
	assert.Equal(t, int64(10), second[0].Capacity)
}

package limiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quota-service/internal/models"
	"quota-service/internal/repository"
	"quota-service/internal/repository/memory"
	"quota-service/internal/usage"
)

var t0 = time.UnixMilli(1_700_000_000_000)

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyBackend wraps the memory backend with injectable failures and
// records the modes of every ExecuteWrite call.
type faultyBackend struct {
	repository.Backend

	mu        sync.Mutex
	batchErr  error
	writeErr  error
	pingDelay time.Duration
	writes    [][]repository.WriteMode
}

func (f *faultyBackend) setBatchErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchErr = err
}

func (f *faultyBackend) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *faultyBackend) BatchGet(ctx context.Context, req repository.BatchGetRequest) (*repository.BatchGetResult, error) {
	f.mu.Lock()
	err := f.batchErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Backend.BatchGet(ctx, req)
}

func (f *faultyBackend) ExecuteWrite(ctx context.Context, writes []repository.BucketWrite) error {
	modes := make([]repository.WriteMode, 0, len(writes))
	for _, w := range writes {
		modes = append(modes, w.Mode)
	}
	f.mu.Lock()
	f.writes = append(f.writes, modes)
	err := f.writeErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Backend.ExecuteWrite(ctx, writes)
}

func (f *faultyBackend) Ping(ctx context.Context) error {
	if f.pingDelay > 0 {
		select {
		case <-time.After(f.pingDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.Backend.Ping(ctx)
}

func (f *faultyBackend) writeModes() [][]repository.WriteMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]repository.WriteMode(nil), f.writes...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []usage.Event
}

func (p *recordingPublisher) Publish(_ context.Context, events []usage.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type harness struct {
	limiter   *Limiter
	backend   *faultyBackend
	clock     *fakeClock
	publisher *recordingPublisher
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	backend := &faultyBackend{Backend: memory.New(memory.WithClock(clock.Now))}
	publisher := &recordingPublisher{}

	opts := Options{
		Backend:             backend,
		Publisher:           publisher,
		BucketTTLMultiplier: 7,
		Clock:               clock.Now,
	}
	for _, c := range configure {
		c(&opts)
	}
	l, err := New(opts)
	require.NoError(t, err)
	return &harness{limiter: l, backend: backend, clock: clock, publisher: publisher}
}

func (h *harness) setResourceDefaults(t *testing.T, resource string, limits ...models.Limit) {
	t.Helper()
	require.NoError(t, h.limiter.SetResourceDefaults(context.Background(), resource, limits))
}

func (h *harness) acquireAndCommit(t *testing.T, entityID, resource string, consume map[string]int64) {
	t.Helper()
	lease, err := h.limiter.Acquire(context.Background(), entityID, resource, consume)
	require.NoError(t, err)
	require.NoError(t, lease.Commit(context.Background()))
}

func (h *harness) bucket(t *testing.T, entityID, resource, limit string) *models.BucketState {
	t.Helper()
	state, err := h.backend.GetBucket(context.Background(), entityID, resource, limit)
	require.NoError(t, err)
	return state
}

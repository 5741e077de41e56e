package limiter

import (
	"context"

	"quota-service/internal/bucket"
	"quota-service/internal/models"
	"quota-service/internal/repository"
)

// Available returns the whole tokens each limit of entityID holds on
// resource right now. Buckets never written report their burst.
func (l *Limiter) Available(ctx context.Context, entityID, resource string, opts ...AcquireOption) (map[string]int64, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := validatePair(entityID, resource); err != nil {
		return nil, err
	}

	res, err := l.resolve(ctx, entityID, resource, o.limits)
	if err != nil {
		return nil, wrapStore("available", err)
	}
	key := models.BucketKey{EntityID: entityID, Resource: resource}
	batch, err := l.backend.BatchGet(ctx, repository.BatchGetRequest{Buckets: []models.BucketKey{key}})
	if err != nil {
		return nil, wrapStore("available", err)
	}

	nowMs := l.nowMs()
	out := make(map[string]int64, len(res.limits))
	for _, e := range newEntries(key, res, batch.Buckets[key], false, nowMs) {
		out[e.limit.Name] = bucket.CalculateAvailable(e.state, nowMs)
	}
	return out, nil
}

// TimeUntilAvailable returns how many seconds until needed could be acquired,
// taking the cascade parent into account. Zero means it could be acquired now.
func (l *Limiter) TimeUntilAvailable(ctx context.Context, entityID, resource string, needed map[string]int64, opts ...AcquireOption) (float64, error) {
	o, err := buildOptions(opts)
	if err != nil {
		return 0, err
	}
	if err := validatePair(entityID, resource); err != nil {
		return 0, err
	}
	if err := validateAmounts(needed, false); err != nil {
		return 0, err
	}

	lease, err := l.open(ctx, entityID, resource, o)
	if err != nil {
		return 0, wrapStore("time until available", err)
	}
	if err := checkLimitNames(needed, lease.entries); err != nil {
		return 0, err
	}

	nowMs := l.nowMs()
	var wait float64
	for _, e := range lease.entries {
		if n, ok := needed[e.limit.Name]; ok {
			wait = max(wait, bucket.CalculateTimeUntilAvailable(e.state, n, nowMs))
		}
	}
	return wait, nil
}

func wrapStore(op string, err error) error {
	if isStoreFailure(err) {
		return &UnavailableError{Op: op, Err: err}
	}
	return err
}

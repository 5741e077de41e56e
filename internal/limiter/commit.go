package limiter

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"quota-service/internal/bucket"
	"quota-service/internal/models"
	"quota-service/internal/repository"
	"quota-service/internal/usage"
)

// Commit writes the lease's consumption. Groups of one (entity, resource)
// record start on the create, normal or adjust path and fall back on a
// failed condition: create and normal retry as a consume-only write, adjust
// of a vanished record recreates it. A failed consume-only write means the
// tokens were taken concurrently and is reported as *RateLimitExceededError.
//
// Commit is final even when it fails.
func (l *Lease) Commit(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != leaseOpen {
		return ErrLeaseClosed
	}
	l.state = leaseCommitted
	if l.untracked {
		return nil
	}
	return l.limiter.commit(ctx, l)
}

// writeGroup is every entry sharing one bucket record.
type writeGroup struct {
	key     models.BucketKey
	entries []*leaseEntry
}

func groupEntries(entries []*leaseEntry) []*writeGroup {
	var groups []*writeGroup
	index := make(map[models.BucketKey]*writeGroup)
	for _, e := range entries {
		g, ok := index[e.key]
		if !ok {
			g = &writeGroup{key: e.key}
			index[e.key] = g
			groups = append(groups, g)
		}
		g.entries = append(g.entries, e)
	}
	return groups
}

func (g *writeGroup) changed() bool {
	for _, e := range g.entries {
		if e.consumedMilli() != 0 {
			return true
		}
	}
	return false
}

// adjustOnly reports whether every change is an unchecked adjustment of a
// limit the stored record already holds.
func (g *writeGroup) adjustOnly() bool {
	for _, e := range g.entries {
		if e.consumedMilli() == 0 {
			continue
		}
		if e.checkedMilli != 0 || !e.limitExists {
			return false
		}
	}
	return true
}

func (l *Limiter) commit(ctx context.Context, lease *Lease) error {
	var groups []*writeGroup
	for _, g := range groupEntries(lease.entries) {
		if g.changed() {
			groups = append(groups, g)
		}
	}
	if len(groups) == 0 {
		return nil
	}

	nowMs := l.nowMs()
	writes := make([]repository.BucketWrite, len(groups))
	for i, g := range groups {
		first := g.entries[0]
		switch {
		case !first.recordExists:
			writes[i] = l.createWrite(g, nowMs, false)
		case g.adjustOnly():
			writes[i] = adjustWrite(g, repository.WriteAdjust)
		default:
			writes[i] = l.normalWrite(g, nowMs)
		}
	}

	for {
		err := l.backend.ExecuteWrite(ctx, writes)
		if err == nil {
			break
		}
		failed := repository.FailedIndexes(err)
		if failed == nil {
			return l.commitFailed(ctx, lease, err)
		}

		var exhausted []*writeGroup
		for _, i := range failed {
			from := writes[i].Mode
			switch from {
			case repository.WriteRetry:
				exhausted = append(exhausted, groups[i])
				continue
			case repository.WriteAdjust:
				writes[i] = l.createWrite(groups[i], nowMs, true)
			default:
				writes[i] = adjustWrite(groups[i], repository.WriteRetry)
			}
			l.logger.Debug("Bucket write condition failed, falling back",
				zap.String("bucket", groups[i].key.String()),
				zap.Stringer("from", from),
				zap.Stringer("to", writes[i].Mode))
		}
		if len(exhausted) > 0 {
			l.logger.Info("Consumption lost a concurrent race",
				zap.String("lease_id", lease.id),
				zap.Int("buckets", len(exhausted)))
			return postHocExceeded(lease.entries, exhausted)
		}
	}

	l.publish(ctx, lease.id, groups)
	return nil
}

// createWrite stores every limit of the group absolutely. fresh starts each
// bucket at burst instead of the lease's view of a record that has since
// disappeared.
func (l *Limiter) createWrite(g *writeGroup, nowMs int64, fresh bool) repository.BucketWrite {
	w := repository.BucketWrite{Mode: repository.WriteCreate, Key: g.key, RefillMs: nowMs}
	for _, e := range g.entries {
		lw := repository.LimitWrite{
			Limit:         e.limit,
			RefillMs:      e.state.LastRefillMs,
			TokensMilli:   e.state.TokensMilli,
			ConsumedDelta: e.consumedMilli(),
		}
		if fresh {
			lw.RefillMs = nowMs
			lw.TokensMilli = e.limit.Burst*models.MilliScale - e.consumedMilli()
		}
		w.Limits = append(w.Limits, lw)
	}
	w.TTL, w.ExpiresAtMs = l.expiry(g, nowMs)
	return w
}

// normalWrite folds the locally computed refill into the token delta and is
// conditioned on the record's refill timestamp being the one read. The new
// timestamp always moves forward so a concurrent writer in the same
// millisecond cannot pass the same condition.
func (l *Limiter) normalWrite(g *writeGroup, nowMs int64) repository.BucketWrite {
	expected := g.entries[0].recordRefillMs
	w := repository.BucketWrite{
		Mode:             repository.WriteNormal,
		Key:              g.key,
		RefillMs:         max(nowMs, expected+1),
		ExpectedRefillMs: expected,
	}
	for _, e := range g.entries {
		lw := repository.LimitWrite{
			Limit:         e.limit,
			RefillMs:      e.state.LastRefillMs,
			ConsumedDelta: e.consumedMilli(),
		}
		if e.limitExists {
			lw.TokensDelta = e.state.TokensMilli - e.origTokens
		} else {
			lw.Init = true
			lw.TokensMilli = e.state.TokensMilli
		}
		w.Limits = append(w.Limits, lw)
	}
	w.TTL, w.ExpiresAtMs = l.expiry(g, nowMs)
	return w
}

// adjustWrite applies only the consumption, skipping refill. In retry mode
// checked consumption is guarded so losing a race never creates debt.
func adjustWrite(g *writeGroup, mode repository.WriteMode) repository.BucketWrite {
	w := repository.BucketWrite{Mode: mode, Key: g.key}
	for _, e := range g.entries {
		consumed := e.consumedMilli()
		if consumed == 0 {
			continue
		}
		lw := repository.LimitWrite{
			Limit:         e.limit,
			TokensDelta:   -consumed,
			ConsumedDelta: consumed,
		}
		if mode == repository.WriteRetry && e.checkedMilli > 0 {
			lw.MinTokensMilli = e.checkedMilli
		}
		w.Limits = append(w.Limits, lw)
	}
	return w
}

// expiry gives buckets under default limits a TTL of the multiplier times
// their slowest fill time. Entity-scope limits clear it.
func (l *Limiter) expiry(g *writeGroup, nowMs int64) (repository.TTLAction, int64) {
	if g.entries[0].custom || l.ttlMultiplier == 0 {
		return repository.TTLClear, 0
	}
	var fill int64
	for _, e := range g.entries {
		fill = max(fill, bucket.TimeToFillMs(e.state))
	}
	return repository.TTLSet, nowMs + l.ttlMultiplier*fill
}

// postHocExceeded reports the groups whose consume-only write failed. Amounts
// come from the lease, not a fresh read, so Available may be stale.
func postHocExceeded(entries []*leaseEntry, exhausted []*writeGroup) *RateLimitExceededError {
	lost := make(map[models.BucketKey]bool, len(exhausted))
	for _, g := range exhausted {
		lost[g.key] = true
	}

	statuses := make([]models.LimitStatus, 0, len(entries))
	for _, e := range entries {
		s := models.LimitStatus{
			EntityID:  e.key.EntityID,
			Resource:  e.key.Resource,
			LimitName: e.limit.Name,
			Limit:     e.limit,
			Available: models.FloorDiv(e.state.TokensMilli+e.checkedMilli, models.MilliScale),
			Requested: e.checkedMilli / models.MilliScale,
		}
		if lost[e.key] && e.checkedMilli > 0 {
			s.Exceeded = true
			s.RetryAfterSeconds = bucket.RetryAfterSeconds(e.state, e.checkedMilli)
		}
		statuses = append(statuses, s)
	}
	return newRateLimitExceeded(statuses)
}

func (l *Limiter) commitFailed(ctx context.Context, lease *Lease, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if l.ResolveOnUnavailable(ctx, lease.override) == models.OnUnavailableAllow {
		l.logger.Warn("Store unavailable, dropping consumption",
			zap.String("lease_id", lease.id),
			zap.Error(err))
		return nil
	}
	return &UnavailableError{Op: "commit", Err: err}
}

// publish emits one usage event per changed limit. Failures are logged only.
func (l *Limiter) publish(ctx context.Context, leaseID string, groups []*writeGroup) {
	ts := l.now()
	var events []usage.Event
	for _, g := range groups {
		for _, e := range g.entries {
			if e.consumedMilli() == 0 {
				continue
			}
			events = append(events, usage.Event{
				LeaseID:       leaseID,
				Timestamp:     ts,
				EntityID:      e.key.EntityID,
				Resource:      e.key.Resource,
				LimitName:     e.limit.Name,
				ConsumedMilli: e.consumedMilli(),
				Cascaded:      e.cascaded,
			})
		}
	}
	if err := l.publisher.Publish(context.WithoutCancel(ctx), events); err != nil {
		l.logger.Error("Failed to publish usage events",
			zap.String("lease_id", leaseID),
			zap.Error(err))
	}
}

package limiter

import (
	"sync"

	"quota-service/internal/bucket"
	"quota-service/internal/models"
)

type leaseState int

const (
	leaseOpen leaseState = iota
	leaseCommitted
	leaseRolledBack
)

// leaseEntry tracks one (entity, resource, limit) bucket within a lease.
type leaseEntry struct {
	key   models.BucketKey
	limit models.Limit
	// state is the in-memory bucket after every check and adjustment so far.
	state models.BucketState

	origTokens     int64
	recordRefillMs int64
	recordExists   bool
	limitExists    bool
	custom         bool
	cascaded       bool

	// checkedMilli was consumed through strict checks; adjustedMilli through
	// Adjust and Release, which may drive the bucket into debt.
	checkedMilli  int64
	adjustedMilli int64
}

func (e *leaseEntry) consumedMilli() int64 {
	return e.checkedMilli + e.adjustedMilli
}

func (e *leaseEntry) status(requested int64, res bucket.ConsumeResult) models.LimitStatus {
	return models.LimitStatus{
		EntityID:          e.key.EntityID,
		Resource:          e.key.Resource,
		LimitName:         e.limit.Name,
		Limit:             e.limit,
		Available:         models.FloorDiv(res.AvailableBefore, models.MilliScale),
		Requested:         requested,
		Exceeded:          !res.Success,
		RetryAfterSeconds: res.RetryAfterSeconds,
	}
}

// Lease holds consumption that has been checked but not yet written. Exactly
// one of Commit or Rollback ends it; every call after that fails with
// ErrLeaseClosed.
type Lease struct {
	id       string
	limiter  *Limiter
	override models.OnUnavailable
	// untracked leases come from ALLOW mode while the store is unreachable.
	untracked bool

	mu       sync.Mutex
	state    leaseState
	entries  []*leaseEntry
	statuses []models.LimitStatus
}

func (l *Lease) ID() string {
	return l.id
}

// Untracked reports whether the lease was granted without the store, in
// which case nothing it consumes is recorded.
func (l *Lease) Untracked() bool {
	return l.untracked
}

// Statuses returns the per-limit outcome of the acquisition that opened the lease.
func (l *Lease) Statuses() []models.LimitStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.LimitStatus(nil), l.statuses...)
}

// Consume takes further whole tokens with the same all-or-nothing check as
// Acquire. Amounts apply to every bucket with a matching limit name,
// including the cascade parent's.
func (l *Lease) Consume(amounts map[string]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != leaseOpen {
		return ErrLeaseClosed
	}
	if err := validateAmounts(amounts, false); err != nil {
		return err
	}
	if l.untracked {
		return nil
	}
	if err := checkLimitNames(amounts, l.entries); err != nil {
		return err
	}

	nowMs := l.limiter.nowMs()
	type pending struct {
		entry *leaseEntry
		res   bucket.ConsumeResult
		need  int64
	}
	var (
		updates  []pending
		statuses []models.LimitStatus
		exceeded bool
	)
	for _, e := range l.entries {
		n, ok := amounts[e.limit.Name]
		if !ok {
			continue
		}
		res := bucket.TryConsume(e.state, n, nowMs)
		statuses = append(statuses, e.status(n, res))
		exceeded = exceeded || !res.Success
		updates = append(updates, pending{entry: e, res: res, need: n * models.MilliScale})
	}
	if exceeded {
		return newRateLimitExceeded(statuses)
	}

	for _, u := range updates {
		u.entry.state.TokensMilli = u.res.TokensMilli
		u.entry.state.LastRefillMs = u.res.LastRefillMs
		u.entry.checkedMilli += u.need
	}
	return nil
}

// Adjust consumes whole tokens without checking the balance; the bucket may
// go into debt. Negative amounts return tokens.
func (l *Lease) Adjust(amounts map[string]int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != leaseOpen {
		return ErrLeaseClosed
	}
	if err := validateAmounts(amounts, true); err != nil {
		return err
	}
	if l.untracked {
		return nil
	}
	if err := checkLimitNames(amounts, l.entries); err != nil {
		return err
	}

	nowMs := l.limiter.nowMs()
	for _, e := range l.entries {
		n, ok := amounts[e.limit.Name]
		if !ok || n == 0 {
			continue
		}
		e.state.TokensMilli, e.state.LastRefillMs = bucket.ForceConsume(e.state, n, nowMs)
		e.adjustedMilli += n * models.MilliScale
	}
	return nil
}

// Release returns whole tokens, typically when the real cost of a call came
// in below the amount acquired for it.
func (l *Lease) Release(amounts map[string]int64) error {
	negated := make(map[string]int64, len(amounts))
	for name, n := range amounts {
		negated[name] = -n
	}
	return l.Adjust(negated)
}

// Rollback discards the lease. Nothing was written, so there is nothing to undo.
func (l *Lease) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != leaseOpen {
		return ErrLeaseClosed
	}
	l.state = leaseRolledBack
	return nil
}

func validateAmounts(amounts map[string]int64, allowNegative bool) error {
	for name, n := range amounts {
		if err := models.ValidateLimitName(name); err != nil {
			return err
		}
		if n < 0 && !allowNegative {
			return models.NewValidationError("amount", name, "must not be negative")
		}
	}
	return nil
}

// checkLimitNames rejects amounts naming a limit that none of the entries
// carry, so a misspelt name cannot bypass its limit.
func checkLimitNames(amounts map[string]int64, entries []*leaseEntry) error {
	for name := range amounts {
		known := false
		for _, e := range entries {
			if e.limit.Name == name {
				known = true
				break
			}
		}
		if !known {
			return models.NewValidationError("limit_name", name, "no such limit for this entity and resource")
		}
	}
	return nil
}

package models

import (
	"fmt"
	"time"
)

// MilliScale converts whole tokens to millitokens, the integer unit of account.
const MilliScale int64 = 1000

// Limit is an immutable token-bucket policy. Capacity is the sustained target,
// Burst the bucket ceiling, and RefillAmount tokens are earned every
// RefillPeriodSeconds. The rate stays a ratio of two integers so no float
// rounding creeps into refill arithmetic.
type Limit struct {
	Name                string `json:"name"`
	Capacity            int64  `json:"capacity"`
	Burst               int64  `json:"burst"`
	RefillAmount        int64  `json:"refill_amount"`
	RefillPeriodSeconds int64  `json:"refill_period_seconds"`
}

func newLimit(name string, capacity int64, period time.Duration) Limit {
	return Limit{
		Name:                name,
		Capacity:            capacity,
		Burst:               capacity,
		RefillAmount:        capacity,
		RefillPeriodSeconds: int64(period / time.Second),
	}
}

// PerSecond returns a limit refilling capacity tokens every second.
func PerSecond(name string, capacity int64) Limit { return newLimit(name, capacity, time.Second) }

// PerMinute returns a limit refilling capacity tokens every minute.
func PerMinute(name string, capacity int64) Limit { return newLimit(name, capacity, time.Minute) }

// PerHour returns a limit refilling capacity tokens every hour.
func PerHour(name string, capacity int64) Limit { return newLimit(name, capacity, time.Hour) }

// PerDay returns a limit refilling capacity tokens every day.
func PerDay(name string, capacity int64) Limit { return newLimit(name, capacity, 24*time.Hour) }

// WithBurst returns a copy of l allowing bursts up to burst tokens.
func (l Limit) WithBurst(burst int64) Limit {
	l.Burst = burst
	return l
}

// Validate checks the limit invariants: burst >= capacity > 0, refill amount
// and refill period positive, and a well-formed name.
func (l Limit) Validate() error {
	if err := ValidateLimitName(l.Name); err != nil {
		return err
	}
	if l.Capacity <= 0 {
		return NewValidationError("capacity", fmt.Sprint(l.Capacity), "must be positive")
	}
	if l.Burst < l.Capacity {
		return NewValidationError("burst", fmt.Sprint(l.Burst),
			fmt.Sprintf("must be at least capacity (%d)", l.Capacity))
	}
	if l.RefillAmount <= 0 {
		return NewValidationError("refill_amount", fmt.Sprint(l.RefillAmount), "must be positive")
	}
	if l.RefillPeriodSeconds <= 0 {
		return NewValidationError("refill_period_seconds", fmt.Sprint(l.RefillPeriodSeconds), "must be positive")
	}
	return nil
}

// ValidateLimits validates each limit and rejects duplicate names.
func ValidateLimits(limits []Limit) error {
	seen := make(map[string]struct{}, len(limits))
	for _, l := range limits {
		if err := l.Validate(); err != nil {
			return err
		}
		if _, dup := seen[l.Name]; dup {
			return NewValidationError("name", l.Name, "duplicate limit name")
		}
		seen[l.Name] = struct{}{}
	}
	return nil
}

// RefillPeriodMs is the refill period in milliseconds.
func (l Limit) RefillPeriodMs() int64 {
	return l.RefillPeriodSeconds * 1000
}

// NewBucket returns a full bucket for this limit as of nowMs.
func (l Limit) NewBucket(entityID, resource string, nowMs int64) BucketState {
	return BucketState{
		EntityID:          entityID,
		Resource:          resource,
		LimitName:         l.Name,
		TokensMilli:       l.Burst * MilliScale,
		LastRefillMs:      nowMs,
		CapacityMilli:     l.Capacity * MilliScale,
		BurstMilli:        l.Burst * MilliScale,
		RefillAmountMilli: l.RefillAmount * MilliScale,
		RefillPeriodMs:    l.RefillPeriodMs(),
	}
}

// ApplyTo returns state with its configuration fields replaced by this limit,
// keeping the token balance and refill timestamp. Used when a limit changes
// after its bucket was created.
func (l Limit) ApplyTo(state BucketState) BucketState {
	state.LimitName = l.Name
	state.CapacityMilli = l.Capacity * MilliScale
	state.BurstMilli = l.Burst * MilliScale
	state.RefillAmountMilli = l.RefillAmount * MilliScale
	state.RefillPeriodMs = l.RefillPeriodMs()
	return state
}

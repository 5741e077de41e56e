package repository

import "quota-service/internal/models"

// WriteMode selects how a BucketWrite is applied.
type WriteMode int

const (
	// WriteCreate inserts the record; fails if it already exists.
	WriteCreate WriteMode = iota
	// WriteNormal sets the refill timestamp and adds deltas, provided the
	// stored refill timestamp still equals ExpectedRefillMs.
	WriteNormal
	// WriteRetry adds deltas without touching the refill timestamp, provided
	// each guarded limit holds at least MinTokensMilli.
	WriteRetry
	// WriteAdjust adds deltas unconditionally to an existing record.
	WriteAdjust
)

func (m WriteMode) String() string {
	switch m {
	case WriteCreate:
		return "create"
	case WriteNormal:
		return "normal"
	case WriteRetry:
		return "retry"
	case WriteAdjust:
		return "adjust"
	}
	return "unknown"
}

// TTLAction says what a write does to the record's expiry.
type TTLAction int

const (
	TTLKeep TTLAction = iota
	TTLSet
	TTLClear
)

// BucketWrite is one item of an ExecuteWrite call, covering every limit of
// one (entity, resource) record.
type BucketWrite struct {
	Mode             WriteMode
	Key              models.BucketKey
	RefillMs         int64
	ExpectedRefillMs int64
	TTL              TTLAction
	ExpiresAtMs      int64
	Limits           []LimitWrite
}

// LimitRefillMs is the refill timestamp stored for lw by a create or normal
// write: the limit's own RefillMs, or the record's when that is zero.
func (w BucketWrite) LimitRefillMs(lw LimitWrite) int64 {
	if lw.RefillMs > 0 {
		return lw.RefillMs
	}
	return w.RefillMs
}

// LimitWrite carries one limit's change within a BucketWrite.
//
// On create, and on normal writes with Init set, TokensMilli and
// ConsumedDelta are stored as absolute values together with the limit's
// configuration. Otherwise TokensDelta and ConsumedDelta are added to the
// stored counters. MinTokensMilli guards retry writes when positive.
//
// Limits sharing a record refill at different rates, so each keeps its own
// refill timestamp. The record's RefillMs only serves as the optimistic lock.
type LimitWrite struct {
	Limit          models.Limit
	Init           bool
	RefillMs       int64
	TokensMilli    int64
	TokensDelta    int64
	ConsumedDelta  int64
	MinTokensMilli int64
}

// Absolute reports whether the limit's counters are stored rather than added.
func (w LimitWrite) Absolute(mode WriteMode) bool {
	return mode == WriteCreate || (mode == WriteNormal && w.Init)
}

// UpdatesConfig reports whether the limit's configuration fields are written.
func (w LimitWrite) UpdatesConfig(mode WriteMode) bool {
	return mode == WriteCreate || mode == WriteNormal
}

// Guarded reports whether the write requires a minimum balance.
func (w LimitWrite) Guarded(mode WriteMode) bool {
	return mode == WriteRetry && w.MinTokensMilli > 0
}

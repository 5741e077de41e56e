package models

// BucketState is a snapshot of one limit's bucket for an (entity, resource).
// Token amounts and rates are millitokens; timestamps are epoch milliseconds.
// TokensMilli may be negative when the bucket is in debt.
type BucketState struct {
	EntityID          string `json:"entity_id"`
	Resource          string `json:"resource"`
	LimitName         string `json:"limit_name"`
	TokensMilli       int64  `json:"tokens_milli"`
	LastRefillMs      int64  `json:"last_refill_ms"`
	CapacityMilli     int64  `json:"capacity_milli"`
	BurstMilli        int64  `json:"burst_milli"`
	RefillAmountMilli int64  `json:"refill_amount_milli"`
	RefillPeriodMs    int64  `json:"refill_period_ms"`
	TotalConsumed     int64  `json:"total_consumed_milli"`
	// ExpiresAtMs is zero when the bucket does not expire.
	ExpiresAtMs int64 `json:"expires_at_ms,omitempty"`
}

// Tokens is the balance in whole tokens, rounded toward negative infinity.
func (b BucketState) Tokens() int64 {
	return FloorDiv(b.TokensMilli, MilliScale)
}

// FloorDiv divides rounding toward negative infinity.
func FloorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// BucketKey addresses the single record that holds every limit's bucket for
// an (entity, resource) pair.
type BucketKey struct {
	EntityID string
	Resource string
}

func (k BucketKey) String() string {
	return k.EntityID + KeyDelimiter + k.Resource
}

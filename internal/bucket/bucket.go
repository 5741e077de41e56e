package bucket

import (
	"math"
	"math/bits"

	"quota-service/internal/models"
)

// ConsumeResult is the outcome of TryConsume. On failure TokensMilli and
// LastRefillMs still carry the refreshed state, with nothing consumed.
type ConsumeResult struct {
	Success           bool
	TokensMilli       int64
	LastRefillMs      int64
	AvailableBefore   int64
	RetryAfterSeconds float64
}

// Refill returns the balance and refill timestamp after lazily refilling
// state up to nowMs. A balance above burst (after a limit was lowered) is
// brought down to burst by the first refill that adds anything.
func Refill(state models.BucketState, nowMs int64) (tokensMilli, lastRefillMs int64) {
	tokensMilli, lastRefillMs = state.TokensMilli, state.LastRefillMs
	if nowMs <= lastRefillMs || state.RefillPeriodMs <= 0 || state.RefillAmountMilli <= 0 {
		return tokensMilli, lastRefillMs
	}

	elapsed := nowMs - lastRefillMs
	added := mulDiv(elapsed, state.RefillAmountMilli, state.RefillPeriodMs)
	if added == 0 {
		return tokensMilli, lastRefillMs
	}

	if added >= state.BurstMilli-tokensMilli {
		tokensMilli = state.BurstMilli
	} else {
		tokensMilli += added
	}

	// Rounded up, not floored: a floored advance leaves the remainder of the
	// last millitoken in the window, and the next refill grants it again.
	advance := mulDivCeil(added, state.RefillPeriodMs, state.RefillAmountMilli)
	if added == math.MaxInt64 || advance > elapsed {
		advance = elapsed
	}
	lastRefillMs += advance
	return tokensMilli, lastRefillMs
}

// TryConsume refills and then takes requested whole tokens if they are all
// available. A zero request always succeeds, even for a bucket in debt.
func TryConsume(state models.BucketState, requested, nowMs int64) ConsumeResult {
	tokens, refillAt := Refill(state, nowMs)
	res := ConsumeResult{
		TokensMilli:     tokens,
		LastRefillMs:    refillAt,
		AvailableBefore: tokens,
	}

	need := requested * models.MilliScale
	if requested <= 0 || tokens >= need {
		res.Success = true
		if requested > 0 {
			res.TokensMilli = tokens - need
		}
		return res
	}

	res.RetryAfterSeconds = RetryAfterSeconds(state, need-tokens)
	return res
}

// ForceConsume refills and then subtracts amount whole tokens without any
// check. A negative amount returns tokens. The result may be negative.
func ForceConsume(state models.BucketState, amount, nowMs int64) (tokensMilli, lastRefillMs int64) {
	tokens, refillAt := Refill(state, nowMs)
	return tokens - amount*models.MilliScale, refillAt
}

// CalculateAvailable is the whole-token balance at nowMs, rounded down.
// Negative while the bucket is in debt.
func CalculateAvailable(state models.BucketState, nowMs int64) int64 {
	tokens, _ := Refill(state, nowMs)
	return models.FloorDiv(tokens, models.MilliScale)
}

// CalculateTimeUntilAvailable is how many seconds from nowMs until needed
// whole tokens can be consumed. Zero when they already can.
func CalculateTimeUntilAvailable(state models.BucketState, needed, nowMs int64) float64 {
	tokens, _ := Refill(state, nowMs)
	need := needed * models.MilliScale
	if needed <= 0 || tokens >= need {
		return 0
	}
	return RetryAfterSeconds(state, need-tokens)
}

// RetryAfterSeconds converts a millitoken deficit to a wait, rounded up to
// the next millisecond plus one so a caller honouring it never retries early.
func RetryAfterSeconds(state models.BucketState, deficitMilli int64) float64 {
	if deficitMilli <= 0 {
		return 0
	}
	if state.RefillAmountMilli <= 0 {
		return math.Inf(1)
	}
	ms := mulDivCeil(deficitMilli, state.RefillPeriodMs, state.RefillAmountMilli) + 1
	return float64(ms) / 1000
}

// TimeToFillMs is how long an empty bucket takes to refill to burst.
func TimeToFillMs(state models.BucketState) int64 {
	if state.RefillAmountMilli <= 0 {
		return 0
	}
	return mulDivCeil(state.BurstMilli, state.RefillPeriodMs, state.RefillAmountMilli)
}

// mulDiv returns floor(a*b/c) for non-negative a, b and positive c, using a
// 128-bit intermediate. Results beyond int64 saturate.
func mulDiv(a, b, c int64) int64 {
	if a <= 0 || b <= 0 || c <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		return math.MaxInt64
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

func mulDivCeil(a, b, c int64) int64 {
	if a <= 0 || b <= 0 || c <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		return math.MaxInt64
	}
	q, r := bits.Div64(hi, lo, uint64(c))
	if r != 0 && q < math.MaxUint64 {
		q++
	}
	if q > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q)
}

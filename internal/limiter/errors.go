package limiter

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"quota-service/internal/models"
)

var (
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrConfiguration      = errors.New("no limits configured")
	ErrLeaseClosed        = errors.New("lease already committed or rolled back")
	ErrInvalidEntity      = errors.New("invalid entity")
)

// RateLimitExceededError carries every status checked by the failed call,
// passed and exceeded alike, so callers can see which limit was the bottleneck.
type RateLimitExceededError struct {
	Statuses []models.LimitStatus
	// RetryAfterSeconds is the longest wait among the exceeded limits.
	RetryAfterSeconds float64
}

func newRateLimitExceeded(statuses []models.LimitStatus) *RateLimitExceededError {
	e := &RateLimitExceededError{Statuses: statuses}
	for _, s := range statuses {
		if s.Exceeded && s.RetryAfterSeconds > e.RetryAfterSeconds {
			e.RetryAfterSeconds = s.RetryAfterSeconds
		}
	}
	return e
}

func (e *RateLimitExceededError) Error() string {
	var names []string
	for _, s := range e.Violations() {
		names = append(names, fmt.Sprintf("%s/%s:%s", s.EntityID, s.Resource, s.LimitName))
	}
	return fmt.Sprintf("rate limit exceeded for %s (retry after %.3fs)", strings.Join(names, ", "), e.RetryAfterSeconds)
}

func (e *RateLimitExceededError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

func (e *RateLimitExceededError) Violations() []models.LimitStatus {
	return e.filter(true)
}

func (e *RateLimitExceededError) Passed() []models.LimitStatus {
	return e.filter(false)
}

func (e *RateLimitExceededError) filter(exceeded bool) []models.LimitStatus {
	var out []models.LimitStatus
	for _, s := range e.Statuses {
		if s.Exceeded == exceeded {
			out = append(out, s)
		}
	}
	return out
}

// RetryAfterHeader is the Retry-After value in whole seconds, rounded up.
func (e *RateLimitExceededError) RetryAfterHeader() int {
	return int(math.Ceil(e.RetryAfterSeconds))
}

// UnavailableError wraps a store failure that was not a condition check.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable during %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// ConfigurationError means no scope defines limits for the pair and the
// caller supplied none.
type ConfigurationError struct {
	EntityID string
	Resource string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no limits configured for entity %q resource %q", e.EntityID, e.Resource)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

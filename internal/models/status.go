package models

// LimitStatus reports one limit's outcome for one entity during an acquisition.
// Statuses are produced for every checked limit, including those that passed.
type LimitStatus struct {
	EntityID          string  `json:"entity_id"`
	Resource          string  `json:"resource"`
	LimitName         string  `json:"limit_name"`
	Limit             Limit   `json:"limit"`
	Available         int64   `json:"available"`
	Requested         int64   `json:"requested"`
	Exceeded          bool    `json:"exceeded"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}

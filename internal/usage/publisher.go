// Package usage publishes consumption events for the external usage
// aggregator. Publishing is best effort and never affects an acquisition.
package usage

import (
	"context"
	"time"
)

// Event records the consumption one committed lease applied to one limit.
// Amounts are millitokens; a negative amount is a refund.
type Event struct {
	EventID       string    `json:"event_id"`
	LeaseID       string    `json:"lease_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	EntityID      string    `json:"entity_id"`
	Resource      string    `json:"resource"`
	LimitName     string    `json:"limit_name"`
	ConsumedMilli int64     `json:"consumed_milli"`
	// Cascaded is set on events charged to a parent through a child's acquisition.
	Cascaded bool `json:"cascaded,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, events []Event) error
	Close() error
}

// NoopPublisher drops every event. Used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, []Event) error { return nil }

func (NoopPublisher) Close() error { return nil }

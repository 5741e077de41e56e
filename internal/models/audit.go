package models

import "time"

type AuditAction string

const (
	AuditEntityCreated AuditAction = "entity_created"
	AuditEntityDeleted AuditAction = "entity_deleted"
	AuditLimitsSet     AuditAction = "limits_set"
	AuditLimitsDeleted AuditAction = "limits_deleted"
)

// AuditEvent records a change to an entity or its limit configuration.
type AuditEvent struct {
	EventID   string            `json:"event_id"`
	Timestamp time.Time         `json:"timestamp"`
	Action    AuditAction       `json:"action"`
	EntityID  string            `json:"entity_id"`
	Resource  string            `json:"resource,omitempty"`
	Principal string            `json:"principal,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

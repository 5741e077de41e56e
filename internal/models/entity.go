package models

import (
	"fmt"
	"strings"
	"time"
)

// Entity is a rate-limited principal. Hierarchies are two levels deep: a
// child's parent must itself have no parent. When Cascade is set, every
// acquisition against the entity also debits its parent.
type Entity struct {
	ID        string            `json:"id"`
	Name      string            `json:"name,omitempty"`
	ParentID  string            `json:"parent_id,omitempty"`
	Cascade   bool              `json:"cascade"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (e *Entity) IsChild() bool {
	return e != nil && e.ParentID != ""
}

// OnUnavailable decides how acquisitions behave when the store is unreachable.
type OnUnavailable string

const (
	OnUnavailableAllow OnUnavailable = "allow"
	OnUnavailableBlock OnUnavailable = "block"
)

// ParseOnUnavailable accepts "allow" or "block" in any case.
func ParseOnUnavailable(s string) (OnUnavailable, error) {
	switch OnUnavailable(strings.ToLower(strings.TrimSpace(s))) {
	case OnUnavailableAllow:
		return OnUnavailableAllow, nil
	case OnUnavailableBlock:
		return OnUnavailableBlock, nil
	}
	return "", NewValidationError("on_unavailable", s, "must be allow or block")
}

func (o OnUnavailable) Valid() bool {
	return o == OnUnavailableAllow || o == OnUnavailableBlock
}

// SystemConfig is the global configuration record. OnUnavailable is empty
// when no policy is stored.
type SystemConfig struct {
	Limits        []Limit       `json:"limits"`
	OnUnavailable OnUnavailable `json:"on_unavailable,omitempty"`
}

// ScopeLevel names one of the three configuration tiers.
type ScopeLevel string

const (
	ScopeEntity   ScopeLevel = "entity"
	ScopeResource ScopeLevel = "resource"
	ScopeSystem   ScopeLevel = "system"
)

// Scope addresses a limit configuration record.
type Scope struct {
	Level    ScopeLevel
	EntityID string
	Resource string
}

func EntityScope(entityID, resource string) Scope {
	return Scope{Level: ScopeEntity, EntityID: entityID, Resource: resource}
}

func ResourceScope(resource string) Scope {
	return Scope{Level: ScopeResource, Resource: resource}
}

func SystemScope() Scope {
	return Scope{Level: ScopeSystem}
}

func (s Scope) String() string {
	switch s.Level {
	case ScopeEntity:
		return fmt.Sprintf("entity(%s/%s)", s.EntityID, s.Resource)
	case ScopeResource:
		return fmt.Sprintf("resource(%s)", s.Resource)
	default:
		return string(s.Level)
	}
}

// Validate checks the identifiers the scope level requires.
func (s Scope) Validate() error {
	switch s.Level {
	case ScopeEntity:
		if err := ValidateEntityID(s.EntityID); err != nil {
			return err
		}
		return ValidateResource(s.Resource)
	case ScopeResource:
		return ValidateResource(s.Resource)
	case ScopeSystem:
		return nil
	}
	return NewValidationError("scope", string(s.Level), "unknown scope level")
}

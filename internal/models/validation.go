package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// KeyDelimiter separates key components in storage; identifiers may not contain it.
const KeyDelimiter = "#"

const (
	MaxIdentifierLength = 256
	MaxLimitNameLength  = 64
)

var (
	entityIDPattern  = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-:@]*$`)
	resourcePattern  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.\-/]*$`)
	limitNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-]*$`)
)

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("validation error")

// ValidationError describes a malformed identifier or configuration value.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func NewValidationError(field, value, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validateIdentifier(field, value string, maxLen int, pattern *regexp.Regexp, shape string) error {
	if value == "" {
		return NewValidationError(field, value, "must not be empty")
	}
	if len(value) > maxLen {
		return NewValidationError(field, value, fmt.Sprintf("must be at most %d characters", maxLen))
	}
	if strings.Contains(value, KeyDelimiter) {
		return NewValidationError(field, value, fmt.Sprintf("must not contain %q", KeyDelimiter))
	}
	if !pattern.MatchString(value) {
		return NewValidationError(field, value, shape)
	}
	return nil
}

// ValidateEntityID accepts identifiers starting with a letter or digit,
// followed by letters, digits, or any of _ . - : @
func ValidateEntityID(id string) error {
	return validateIdentifier("entity_id", id, MaxIdentifierLength, entityIDPattern,
		"must start with a letter or digit and contain only letters, digits, _ . - : @")
}

// ValidateResource accepts names starting with a letter, followed by letters,
// digits, or any of _ . - /
func ValidateResource(resource string) error {
	return validateIdentifier("resource", resource, MaxIdentifierLength, resourcePattern,
		"must start with a letter and contain only letters, digits, _ . - /")
}

// ValidateLimitName accepts names starting with a letter, followed by letters,
// digits, _ or -. Dots are excluded because limit names become attribute names.
func ValidateLimitName(name string) error {
	return validateIdentifier("limit_name", name, MaxLimitNameLength, limitNamePattern,
		"must start with a letter and contain only letters, digits, _ -")
}

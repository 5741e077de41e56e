package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quota-service/internal/models"
	"quota-service/internal/repository"
)

type principalKey struct{}

// WithPrincipal attaches the caller identity recorded on audit events.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func PrincipalFrom(ctx context.Context) string {
	p, _ := ctx.Value(principalKey{}).(string)
	return p
}

// CreateEntity registers an entity. A parent must exist and be a root:
// hierarchies are two levels deep.
func (l *Limiter) CreateEntity(ctx context.Context, entity *models.Entity) error {
	if err := models.ValidateEntityID(entity.ID); err != nil {
		return err
	}
	if entity.ParentID != "" {
		if err := models.ValidateEntityID(entity.ParentID); err != nil {
			return err
		}
		if entity.ParentID == entity.ID {
			return fmt.Errorf("%w: %s cannot be its own parent", ErrInvalidEntity, entity.ID)
		}
		parent, err := l.backend.GetEntity(ctx, entity.ParentID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: parent %s does not exist", ErrInvalidEntity, entity.ParentID)
		}
		if err != nil {
			return err
		}
		if parent.IsChild() {
			return fmt.Errorf("%w: parent %s is itself a child of %s", ErrInvalidEntity, parent.ID, parent.ParentID)
		}
	} else if entity.Cascade {
		return fmt.Errorf("%w: %s cascades but has no parent", ErrInvalidEntity, entity.ID)
	}

	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = l.now().UTC()
	}
	if err := l.backend.CreateEntity(ctx, entity); err != nil {
		return err
	}

	details := map[string]string{"cascade": strconv.FormatBool(entity.Cascade)}
	if entity.ParentID != "" {
		details["parent_id"] = entity.ParentID
	}
	l.audit(ctx, models.AuditEntityCreated, entity.ID, "", details)
	return nil
}

func (l *Limiter) GetEntity(ctx context.Context, entityID string) (*models.Entity, error) {
	if err := models.ValidateEntityID(entityID); err != nil {
		return nil, err
	}
	return l.backend.GetEntity(ctx, entityID)
}

func (l *Limiter) GetChildren(ctx context.Context, parentID string) ([]*models.Entity, error) {
	if err := models.ValidateEntityID(parentID); err != nil {
		return nil, err
	}
	return l.backend.GetChildren(ctx, parentID)
}

// DeleteEntity removes the entity with its buckets, limits and audit trail.
// An entity that still has children cannot be deleted.
func (l *Limiter) DeleteEntity(ctx context.Context, entityID string) error {
	if err := models.ValidateEntityID(entityID); err != nil {
		return err
	}
	children, err := l.backend.GetChildren(ctx, entityID)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return fmt.Errorf("%w: %s still has %d children", ErrInvalidEntity, entityID, len(children))
	}

	if err := l.backend.DeleteEntity(ctx, entityID); err != nil {
		return err
	}
	l.cache.InvalidateEntityAll(entityID)
	l.audit(ctx, models.AuditEntityDeleted, entityID, "", nil)
	return nil
}

// SetLimits stores entity-scope limits for a resource. They replace the
// resource and system defaults for that entity and keep its buckets from expiring.
func (l *Limiter) SetLimits(ctx context.Context, entityID, resource string, limits []models.Limit) error {
	if err := validatePair(entityID, resource); err != nil {
		return err
	}
	if err := validateLimitSet(limits); err != nil {
		return err
	}
	if err := l.backend.SetLimits(ctx, models.EntityScope(entityID, resource), limits); err != nil {
		return err
	}
	l.cache.InvalidateEntity(entityID, resource)
	l.audit(ctx, models.AuditLimitsSet, entityID, resource, limitDetails(limits))
	return nil
}

func (l *Limiter) GetLimits(ctx context.Context, entityID, resource string) ([]models.Limit, error) {
	if err := validatePair(entityID, resource); err != nil {
		return nil, err
	}
	return l.backend.GetLimits(ctx, models.EntityScope(entityID, resource))
}

func (l *Limiter) DeleteLimits(ctx context.Context, entityID, resource string) error {
	if err := validatePair(entityID, resource); err != nil {
		return err
	}
	if err := l.backend.DeleteLimits(ctx, models.EntityScope(entityID, resource)); err != nil {
		return err
	}
	l.cache.InvalidateEntity(entityID, resource)
	l.audit(ctx, models.AuditLimitsDeleted, entityID, resource, nil)
	return nil
}

func (l *Limiter) ListEntityLimitResources(ctx context.Context, entityID string) ([]string, error) {
	if err := models.ValidateEntityID(entityID); err != nil {
		return nil, err
	}
	return l.backend.ListEntityLimitResources(ctx, entityID)
}

func (l *Limiter) SetResourceDefaults(ctx context.Context, resource string, limits []models.Limit) error {
	if err := models.ValidateResource(resource); err != nil {
		return err
	}
	if err := validateLimitSet(limits); err != nil {
		return err
	}
	if err := l.backend.SetLimits(ctx, models.ResourceScope(resource), limits); err != nil {
		return err
	}
	l.cache.InvalidateResource(resource)
	return nil
}

func (l *Limiter) GetResourceDefaults(ctx context.Context, resource string) ([]models.Limit, error) {
	if err := models.ValidateResource(resource); err != nil {
		return nil, err
	}
	return l.backend.GetLimits(ctx, models.ResourceScope(resource))
}

func (l *Limiter) DeleteResourceDefaults(ctx context.Context, resource string) error {
	if err := models.ValidateResource(resource); err != nil {
		return err
	}
	if err := l.backend.DeleteLimits(ctx, models.ResourceScope(resource)); err != nil {
		return err
	}
	l.cache.InvalidateResource(resource)
	return nil
}

// SetSystemDefaults replaces the global limits and on-unavailable policy. An
// empty policy leaves the choice to the process default.
func (l *Limiter) SetSystemDefaults(ctx context.Context, limits []models.Limit, policy models.OnUnavailable) error {
	if err := models.ValidateLimits(limits); err != nil {
		return err
	}
	if policy != "" && !policy.Valid() {
		return models.NewValidationError("on_unavailable", string(policy), "must be allow or block")
	}
	if limits == nil {
		limits = []models.Limit{}
	}
	if err := l.backend.SetSystemConfig(ctx, &models.SystemConfig{Limits: limits, OnUnavailable: policy}); err != nil {
		return err
	}
	l.cache.InvalidateSystem()
	return nil
}

func (l *Limiter) GetSystemDefaults(ctx context.Context) (*models.SystemConfig, error) {
	return l.backend.GetSystemConfig(ctx)
}

// DeleteSystemDefaults clears both the global limits and the stored policy.
func (l *Limiter) DeleteSystemDefaults(ctx context.Context) error {
	if err := l.backend.SetSystemConfig(ctx, &models.SystemConfig{Limits: []models.Limit{}}); err != nil {
		return err
	}
	l.cache.InvalidateSystem()
	return nil
}

// GetAuditEvents returns up to limit events for the entity, newest first.
func (l *Limiter) GetAuditEvents(ctx context.Context, entityID string, limit int) ([]models.AuditEvent, error) {
	if err := models.ValidateEntityID(entityID); err != nil {
		return nil, err
	}
	return l.backend.GetAuditEvents(ctx, entityID, limit)
}

// audit records a change. The change itself already succeeded, so a failed
// write is logged and not returned.
func (l *Limiter) audit(ctx context.Context, action models.AuditAction, entityID, resource string, details map[string]string) {
	event := &models.AuditEvent{
		EventID:   uuid.NewString(),
		Timestamp: l.now().UTC(),
		Action:    action,
		EntityID:  entityID,
		Resource:  resource,
		Principal: PrincipalFrom(ctx),
		Details:   details,
	}
	if err := l.backend.PutAuditEvent(ctx, event); err != nil {
		l.logger.Error("Failed to record audit event",
			zap.String("action", string(action)),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// validateLimitSet rejects an empty list: deleting is the way to remove limits.
func validateLimitSet(limits []models.Limit) error {
	if len(limits) == 0 {
		return models.NewValidationError("limits", "", "at least one limit is required")
	}
	return models.ValidateLimits(limits)
}

func limitDetails(limits []models.Limit) map[string]string {
	details := make(map[string]string, len(limits))
	for _, lim := range limits {
		details[lim.Name] = fmt.Sprintf("capacity=%d burst=%d refill=%d/%ds",
			lim.Capacity, lim.Burst, lim.RefillAmount, lim.RefillPeriodSeconds)
	}
	return details
}

package events

import (
	"context"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/permissions"
)

// Service exposes the bus to authenticated callers
type Service struct {
	bus   *Bus
	perms *permissions.Engine
}

// NewService creates the caller-facing event service
func NewService(bus *Bus, perms *permissions.Engine) *Service {
	return &Service{bus: bus, perms: perms}
}

// Publish publishes an event about resourceID on behalf of the caller,
// who needs update on the resource.
func (s *Service) Publish(ctx context.Context, ev *Event) (*Event, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	if ev.ResourceID == "" {
		return nil, apperr.Validation("resourceId is required")
	}
	if err := s.perms.Require(ctx, claims, ev.ResourceID, permissions.ActionUpdate); err != nil {
		return nil, err
	}

	published := *ev
	published.ID = ""
	published.CreatedAt = published.CreatedAt.UTC()
	published.Readers = nil
	return s.bus.Publish(ctx, &published)
}

// Subscribe streams matching events the caller may read until ctx ends
func (s *Service) Subscribe(ctx context.Context, filter Filter, fn func(*Event) error) error {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return err
	}
	return s.bus.Subscribe(ctx, claims, filter, fn)
}

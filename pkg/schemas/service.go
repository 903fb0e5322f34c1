package schemas

import (
	"context"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
)

// Service implements the schema operations with authorization. Mutations
// are admin only; reads need an authenticated caller.
type Service struct {
	store     Store
	validator *SchemaValidator
	logger    *observability.Logger
	now       func() time.Time
}

// NewService creates a schema service. validator may be nil when nothing
// caches compiled schemas.
func NewService(store Store, validator *SchemaValidator, logger *observability.Logger) *Service {
	return &Service{
		store:     store,
		validator: validator,
		logger:    logger.WithComponent("schemas"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) invalidate(kind string) {
	if s.validator != nil {
		s.validator.Invalidate(kind)
	}
}

func checkDocument(kind, data string) error {
	if _, err := Compile(kind, data); err != nil {
		return err
	}
	_, err := UniqueProperties(data)
	return err
}

// Create registers the schema for kind. A second schema for the same kind
// is a ConflictError.
func (s *Service) Create(ctx context.Context, kind, data string) (*Schema, error) {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return nil, apperr.Validation("kind is required")
	}
	if err := checkDocument(kind, data); err != nil {
		return nil, err
	}

	now := s.now()
	schema := &Schema{
		ID:        uuid.NewString(),
		Kind:      kind,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, schema); err != nil {
		return nil, err
	}
	s.invalidate(kind)

	s.logger.ForContext(ctx).WithField("kind", kind).Info("Schema created")
	return schema, nil
}

// Get returns the schema with id
func (s *Service) Get(ctx context.Context, id string) (*Schema, error) {
	if _, err := auth.RequireClaims(ctx); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// Update merges data (RFC 7386) into the stored document
func (s *Service) Update(ctx context.Context, id, data string) (*Schema, error) {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}

	updated, err := s.store.Update(ctx, id, func(schema *Schema) error {
		merged, err := jsonpatch.MergePatch([]byte(schema.Data), []byte(data))
		if err != nil {
			return apperr.Validation("schema patch is not valid JSON: %v", err)
		}
		if err := checkDocument(schema.Kind, string(merged)); err != nil {
			return err
		}
		schema.Data = string(merged)
		schema.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(updated.Kind)

	s.logger.ForContext(ctx).WithField("kind", updated.Kind).Info("Schema updated")
	return updated, nil
}

// Delete removes the schema with id. Resources of the kind are kept and
// are no longer validated.
func (s *Service) Delete(ctx context.Context, id string) (*Schema, error) {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	s.invalidate(deleted.Kind)

	s.logger.ForContext(ctx).WithField("kind", deleted.Kind).Info("Schema deleted")
	return deleted, nil
}

// List streams schemas whose kind contains filter. page is zero-based and
// pageSize 0 means DefaultPageSize.
func (s *Service) List(ctx context.Context, filter string, page, pageSize int, fn func(*Schema) error) error {
	if _, err := auth.RequireClaims(ctx); err != nil {
		return err
	}
	if page < 0 || pageSize < 0 {
		return apperr.Validation("page and pageSize must not be negative")
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return s.store.List(ctx, filter, page*pageSize, pageSize, fn)
}

// Apply creates or replaces the schema for kind with data, returning
// whether anything changed. Used to seed schemas from files.
func (s *Service) Apply(ctx context.Context, kind, data string) (*Schema, bool, error) {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return nil, false, err
	}

	existing, err := s.store.GetByKind(ctx, kind)
	if apperr.IsNotFound(err) {
		created, err := s.Create(ctx, kind, data)
		return created, err == nil, err
	}
	if err != nil {
		return nil, false, err
	}
	if jsonpatch.Equal([]byte(existing.Data), []byte(data)) {
		return existing, false, nil
	}
	if err := checkDocument(kind, data); err != nil {
		return nil, false, err
	}

	updated, err := s.store.Update(ctx, existing.ID, func(schema *Schema) error {
		schema.Data = data
		schema.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	s.invalidate(kind)
	return updated, true, nil
}

package resources

import (
	"context"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/async"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/events"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/permissions"
	"github.com/platinummonkey/keel/pkg/schemas"
)

// CreateRequest describes a new resource
type CreateRequest struct {
	Kind               string            `json:"kind"`
	ParentID           string            `json:"parentId,omitempty"`
	PermissionParentID string            `json:"permissionParentId,omitempty"`
	Data               string            `json:"data"`
	Labels             map[string]string `json:"labels,omitempty"`
	Shares             []Share           `json:"shares,omitempty"`
}

// UpdateRequest changes a resource. Nil fields are left unchanged; an
// empty Labels map clears the labels, so it is always sent.
type UpdateRequest struct {
	ID     string            `json:"id"`
	Data   *string           `json:"data,omitempty"`
	Labels map[string]string `json:"labels"`
}

// ListRequest selects resources. Skip drops that many visible matches.
type ListRequest struct {
	Kind   string            `json:"kind,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
	Filter string            `json:"filter,omitempty"`
	Query  string            `json:"query,omitempty"`
	Skip   int               `json:"skip,omitempty"`
}

// Service implements the resource operations with permission checks and
// event publication.
type Service struct {
	store     Store
	validator schemas.Validator
	perms     *permissions.Engine
	events    events.Publisher
	locks     *async.KeyedMutex
	metrics   *observability.Metrics
	logger    *observability.Logger
	now       func() time.Time
}

// NewService creates a resource service. locks must be the mutex the
// permission engine was built with so grant changes and mutations of one
// resource are serialized.
func NewService(store Store, validator schemas.Validator, perms *permissions.Engine, publisher events.Publisher,
	locks *async.KeyedMutex, metrics *observability.Metrics, logger *observability.Logger) *Service {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Service{
		store:     store,
		validator: validator,
		perms:     perms,
		events:    publisher,
		locks:     locks,
		metrics:   metrics,
		logger:    logger.WithComponent("resources"),
		now:       time.Now,
	}
}

// timestamp returns the current time at storage precision, strictly after
// prev
func (s *Service) timestamp(prev time.Time) time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// grants merges the requested shares with the creator's grant
func grants(creator string, shares []Share, ownerActions bool) ([]Share, error) {
	merged := make(map[string][]string)
	var order []string
	add := func(principal string, actions []string) {
		if _, ok := merged[principal]; !ok {
			order = append(order, principal)
		}
		merged[principal] = append(merged[principal], actions...)
	}

	if ownerActions {
		add(creator, permissions.AllActions)
	}
	for _, sh := range shares {
		if strings.TrimSpace(sh.PrincipalID) == "" {
			return nil, apperr.Validation("share principalId is required")
		}
		add(permissions.NormalizePrincipal(sh.PrincipalID), sh.Actions)
	}

	out := make([]Share, 0, len(order))
	for _, p := range order {
		actions, err := permissions.NormalizeActions(merged[p])
		if err != nil {
			return nil, err
		}
		out = append(out, Share{PrincipalID: p, Actions: actions})
	}
	return out, nil
}

func (s *Service) publish(ctx context.Context, r *Resource, typ events.EventType, readers []string) {
	if s.events == nil {
		return
	}
	_, err := s.events.Publish(ctx, &events.Event{
		ResourceID:     r.ID,
		ResourceKind:   r.Kind,
		ResourceLabels: r.Labels,
		EventType:      typ,
		Data:           r.Data,
		Readers:        readers,
	})
	if err != nil {
		s.logger.ForContext(ctx).WithError(err).WithField("resource_id", r.ID).Warnf("Failed to publish %s event", typ)
	}
}

// Create stores a new resource. The caller needs grant on the permission
// parent and read on the structural parent. Without a permission parent
// the caller receives every action on the new resource.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*Resource, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	kind := strings.TrimSpace(req.Kind)
	if kind == "" {
		return nil, apperr.Validation("kind is required")
	}

	if req.PermissionParentID != "" {
		if err := s.perms.Require(ctx, claims, req.PermissionParentID, permissions.ActionGrant); err != nil {
			return nil, err
		}
	}
	if req.ParentID != "" && req.ParentID != req.PermissionParentID {
		if err := s.perms.Require(ctx, claims, req.ParentID, permissions.ActionRead); err != nil {
			return nil, err
		}
	}
	if err := s.validator.Validate(ctx, kind, req.Data); err != nil {
		return nil, err
	}
	initial, err := grants(claims.Subject, req.Shares, req.PermissionParentID == "")
	if err != nil {
		return nil, err
	}

	now := s.timestamp(time.Time{})
	r := &Resource{
		ID:                 uuid.NewString(),
		Kind:               kind,
		ParentID:           req.ParentID,
		PermissionParentID: req.PermissionParentID,
		CreatorID:          claims.Subject,
		Data:               req.Data,
		Labels:             req.Labels,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if len(r.Labels) == 0 {
		r.Labels = nil
	}
	// held until CREATE is published so no UPDATE of r can overtake it
	unlock := s.locks.Lock(r.ID)
	defer unlock()

	if err := s.store.Create(ctx, r, initial); err != nil {
		return nil, err
	}

	s.metrics.ResourceMutationsTotal.WithLabelValues(kind, "create").Inc()
	s.logger.ForContext(ctx).WithFields(map[string]interface{}{
		"resource_id": r.ID,
		"kind":        kind,
	}).Info("Resource created")
	s.publish(ctx, r, events.EventCreate, nil)
	return r, nil
}

// Get returns a resource the caller may read
func (s *Service) Get(ctx context.Context, id string) (*Resource, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.perms.Require(ctx, claims, id, permissions.ActionRead); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// mergeData applies patch to current as a JSON merge patch when both are
// JSON objects; otherwise patch replaces the payload
func mergeData(current, patch string) string {
	if isJSONObject(current) && isJSONObject(patch) {
		if merged, err := jsonpatch.MergePatch([]byte(current), []byte(patch)); err == nil {
			return string(merged)
		}
	}
	return patch
}

// Update changes the payload and/or labels of a resource. The caller needs
// update. Labels, when given, replace the whole map.
func (s *Service) Update(ctx context.Context, req *UpdateRequest) (*Resource, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.ID)
	defer unlock()

	if err := s.perms.Require(ctx, claims, req.ID, permissions.ActionUpdate); err != nil {
		return nil, err
	}

	// validation may load a schema, so it runs before the store locks the
	// row; the locked row must still be the one that was validated
	var validated *Resource
	if req.Data != nil {
		current, err := s.store.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		if err := s.validator.Validate(ctx, current.Kind, mergeData(current.Data, *req.Data)); err != nil {
			return nil, err
		}
		validated = current
	}

	updated, err := s.store.Update(ctx, req.ID, func(r *Resource) error {
		if req.Data != nil {
			if r.Data != validated.Data || !r.UpdatedAt.Equal(validated.UpdatedAt) {
				return apperr.Conflict("resource %s changed during update, retry", req.ID)
			}
			r.Data = mergeData(r.Data, *req.Data)
		}
		if req.Labels != nil {
			r.Labels = req.Labels
			if len(r.Labels) == 0 {
				r.Labels = nil
			}
		}
		r.UpdatedAt = s.timestamp(r.UpdatedAt)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ResourceMutationsTotal.WithLabelValues(updated.Kind, "update").Inc()
	s.publish(ctx, updated, events.EventUpdate, nil)
	return updated, nil
}

// Delete removes a resource the caller may delete. Resources that are
// still the parent of others cannot be deleted.
func (s *Service) Delete(ctx context.Context, id string) (*Resource, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.perms.Require(ctx, claims, id, permissions.ActionDelete); err != nil {
		return nil, err
	}
	// snapshot before the grants are revoked with the resource
	readers, err := s.perms.PrincipalsWith(ctx, id, permissions.ActionRead)
	if err != nil {
		return nil, err
	}

	deleted, err := s.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}

	s.metrics.ResourceMutationsTotal.WithLabelValues(deleted.Kind, "delete").Inc()
	s.logger.ForContext(ctx).WithField("resource_id", id).Info("Resource deleted")
	s.publish(ctx, deleted, events.EventDelete, readers)
	return deleted, nil
}

// List streams the matching resources the caller may read
func (s *Service) List(ctx context.Context, req *ListRequest, fn func(*Resource) error) error {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return err
	}
	if req.Skip < 0 {
		return apperr.Validation("skip must not be negative")
	}
	if req.Filter != "" && !isJSONObject(req.Filter) {
		return apperr.Validation("filter must be a JSON object")
	}

	filter := Filter{Kind: req.Kind, Labels: req.Labels, Match: req.Filter, Query: req.Query}
	skipped := 0
	return s.store.List(ctx, filter, func(r *Resource) error {
		if !claims.IsAdmin {
			ok, err := s.perms.Allowed(ctx, claims, r.ID, permissions.ActionRead)
			if apperr.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		if skipped < req.Skip {
			skipped++
			return nil
		}
		return fn(r)
	})
}

package identity

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
)

// CreateUserRequest describes a new user
type CreateUserRequest struct {
	Name       string `json:"name"`
	ExternalID string `json:"externalId,omitempty"`
	Password   string `json:"password,omitempty"`
	IsAdmin    bool   `json:"isAdmin,omitempty"`
}

func (r *CreateUserRequest) AuditTarget() string { return r.Name }

// UpdateUserRequest changes a user. Empty fields are left unchanged.
type UpdateUserRequest struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
	Password   string `json:"password,omitempty"`
	IsAdmin    *bool  `json:"isAdmin,omitempty"`
}

func (r *UpdateUserRequest) AuditTarget() string { return r.ID }

// Users manages user accounts
type Users struct {
	store   UserStore
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewUsers creates the user service
func NewUsers(store UserStore, metrics *observability.Metrics, logger *observability.Logger) *Users {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Users{
		store:   store,
		metrics: metrics,
		logger:  logger.WithComponent("users"),
		now:     time.Now,
	}
}

func now(clock func() time.Time) time.Time {
	return clock().UTC().Truncate(time.Microsecond)
}

// Create adds a user. Admin only.
func (s *Users) Create(ctx context.Context, req *CreateUserRequest) (*User, error) {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation("user name is required")
	}

	at := now(s.now)
	u := &User{
		ID:         uuid.NewString(),
		Name:       name,
		ExternalID: strings.TrimSpace(req.ExternalID),
		IsAdmin:    req.IsAdmin,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	if req.Password != "" {
		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			return nil, apperr.Internal(err, "failed to hash password")
		}
		u.PasswordHash = hash
	}

	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("user", "create").Inc()
	s.logger.ForContext(ctx).WithField("user_id", u.ID).Info("Created user")
	return u, nil
}

// lookup resolves ref as a user id first, then as an external id
func (s *Users) lookup(ctx context.Context, ref string) (*User, error) {
	if id, err := uuid.Parse(ref); err == nil {
		u, err := s.store.GetUser(ctx, id.String())
		if !apperr.IsNotFound(err) {
			return u, err
		}
	}
	return s.store.GetUserByExternalID(ctx, ref)
}

// Get returns a user by id or external id, to an admin or the user
// themselves
func (s *Users) Get(ctx context.Context, ref string) (*User, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperr.Validation("user id is required")
	}

	u, err := s.lookup(ctx, ref)
	switch {
	case err != nil && apperr.IsNotFound(err) && !claims.IsAdmin:
		return nil, apperr.PermissionDenied("cannot read user %s", ref)
	case err != nil:
		return nil, err
	case !claims.IsAdmin && u.ID != claims.Subject:
		return nil, apperr.PermissionDenied("cannot read user %s", ref)
	}
	return u, nil
}

// Update changes a user. Admins may update anyone; users may update
// themselves but not their admin flag.
func (s *Users) Update(ctx context.Context, req *UpdateUserRequest) (*User, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, apperr.Validation("user id is required")
	}
	if !claims.IsAdmin {
		if id != claims.Subject {
			return nil, apperr.PermissionDenied("cannot update user %s", id)
		}
		if req.IsAdmin != nil {
			return nil, apperr.PermissionDenied("only admins can change the admin flag")
		}
	}

	var hash string
	if req.Password != "" {
		if hash, err = auth.HashPassword(req.Password); err != nil {
			return nil, apperr.Internal(err, "failed to hash password")
		}
	}

	u, err := s.store.UpdateUser(ctx, id, func(u *User) error {
		if name := strings.TrimSpace(req.Name); name != "" {
			u.Name = name
		}
		if ext := strings.TrimSpace(req.ExternalID); ext != "" {
			u.ExternalID = ext
		}
		if hash != "" {
			u.PasswordHash = hash
		}
		if req.IsAdmin != nil {
			u.IsAdmin = *req.IsAdmin
		}
		u.UpdatedAt = now(s.now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("user", "update").Inc()
	return u, nil
}

// Delete removes a user and their memberships. Admin only.
func (s *Users) Delete(ctx context.Context, id string) (*User, error) {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	u, err := s.store.DeleteUser(ctx, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("user", "delete").Inc()
	s.logger.ForContext(ctx).WithField("user_id", u.ID).Info("Deleted user")
	return u, nil
}

// List streams every user. Admin only.
func (s *Users) List(ctx context.Context, fn func(*User) error) error {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return err
	}
	return s.store.ListUsers(ctx, fn)
}

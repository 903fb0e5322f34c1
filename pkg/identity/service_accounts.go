package identity

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/permissions"
)

// CreateServiceAccountRequest describes a new service account
type CreateServiceAccountRequest struct {
	Name    string `json:"name"`
	IsAdmin bool   `json:"isAdmin,omitempty"`
}

func (r *CreateServiceAccountRequest) AuditTarget() string { return r.Name }

// UpdateServiceAccountRequest rotates the secret and optionally changes
// the admin flag
type UpdateServiceAccountRequest struct {
	ID      string `json:"id"`
	IsAdmin *bool  `json:"isAdmin,omitempty"`
}

func (r *UpdateServiceAccountRequest) AuditTarget() string { return r.ID }

// ServiceAccountWithSecret carries the plaintext secret. It is only ever
// returned by Create and Update.
type ServiceAccountWithSecret struct {
	ServiceAccount *ServiceAccount `json:"serviceAccount"`
	SecretKey      string          `json:"secretKey"`
}

// ServiceAccounts manages service accounts. Every operation is admin only.
type ServiceAccounts struct {
	store   ServiceAccountStore
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewServiceAccounts creates the service account service
func NewServiceAccounts(store ServiceAccountStore, metrics *observability.Metrics, logger *observability.Logger) *ServiceAccounts {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &ServiceAccounts{
		store:   store,
		metrics: metrics,
		logger:  logger.WithComponent("service_accounts"),
		now:     time.Now,
	}
}

func newSecret() (plain, hash string, err error) {
	plain, err = auth.GenerateSecret()
	if err != nil {
		return "", "", apperr.Internal(err, "failed to generate secret")
	}
	hash, err = auth.HashPassword(plain)
	if err != nil {
		return "", "", apperr.Internal(err, "failed to hash secret")
	}
	return plain, hash, nil
}

func validName(name, what string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validation("%s name is required", what)
	}
	if _, err := uuid.Parse(name); err == nil {
		return "", apperr.Validation("%s name must not be a UUID", what)
	}
	return name, nil
}

// Create adds a service account whose id is derived from its name
func (s *ServiceAccounts) Create(ctx context.Context, req *CreateServiceAccountRequest) (*ServiceAccountWithSecret, error) {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	name, err := validName(req.Name, "service account")
	if err != nil {
		return nil, err
	}
	return s.create(ctx, name, req.IsAdmin)
}

func (s *ServiceAccounts) create(ctx context.Context, name string, isAdmin bool) (*ServiceAccountWithSecret, error) {
	plain, hash, err := newSecret()
	if err != nil {
		return nil, err
	}
	at := now(s.now)
	sa := &ServiceAccount{
		ID:            permissions.NormalizePrincipal(name),
		Name:          name,
		IsAdmin:       isAdmin,
		SecretKeyHash: hash,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	if err := s.store.CreateServiceAccount(ctx, sa); err != nil {
		return nil, err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("service_account", "create").Inc()
	s.logger.ForContext(ctx).WithField("service_account_id", sa.ID).Infof("Created service account %s", name)
	return &ServiceAccountWithSecret{ServiceAccount: sa, SecretKey: plain}, nil
}

// Get returns a service account by id or name
func (s *ServiceAccounts) Get(ctx context.Context, ref string) (*ServiceAccount, error) {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.store.GetServiceAccount(ctx, permissions.NormalizePrincipal(ref))
}

// Update rotates the secret. The previous secret stops working at once.
func (s *ServiceAccounts) Update(ctx context.Context, req *UpdateServiceAccountRequest) (*ServiceAccountWithSecret, error) {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	plain, hash, err := newSecret()
	if err != nil {
		return nil, err
	}

	sa, err := s.store.UpdateServiceAccount(ctx, permissions.NormalizePrincipal(req.ID), func(sa *ServiceAccount) error {
		sa.SecretKeyHash = hash
		if req.IsAdmin != nil {
			sa.IsAdmin = *req.IsAdmin
		}
		sa.UpdatedAt = now(s.now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("service_account", "update").Inc()
	s.logger.ForContext(ctx).WithField("service_account_id", sa.ID).Info("Rotated service account secret")
	return &ServiceAccountWithSecret{ServiceAccount: sa, SecretKey: plain}, nil
}

// Delete removes a service account by id or name
func (s *ServiceAccounts) Delete(ctx context.Context, ref string) (*ServiceAccount, error) {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	sa, err := s.store.DeleteServiceAccount(ctx, permissions.NormalizePrincipal(ref))
	if err != nil {
		return nil, err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("service_account", "delete").Inc()
	return sa, nil
}

// List streams every service account
func (s *ServiceAccounts) List(ctx context.Context, fn func(*ServiceAccount) error) error {
	if _, err := auth.RequireAdmin(ctx); err != nil {
		return err
	}
	return s.store.ListServiceAccounts(ctx, fn)
}

// Bootstrap creates the admin service account name unless it exists and
// returns its secret. The secret is empty when the account already exists.
func (s *ServiceAccounts) Bootstrap(ctx context.Context, name string) (string, error) {
	name, err := validName(name, "service account")
	if err != nil {
		return "", err
	}
	_, err = s.store.GetServiceAccount(ctx, permissions.NormalizePrincipal(name))
	if err == nil {
		return "", nil
	}
	if !apperr.IsNotFound(err) {
		return "", err
	}

	created, err := s.create(ctx, name, true)
	if apperr.IsConflict(err) {
		// another replica won the race
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return created.SecretKey, nil
}

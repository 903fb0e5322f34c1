package identity

import (
	"context"
	"strings"
	"time"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/permissions"
)

// UpdateGroupRequest renames a group
type UpdateGroupRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (r *UpdateGroupRequest) AuditTarget() string { return r.ID }

// MembershipRequest adds or removes a user from a group
type MembershipRequest struct {
	GroupID string `json:"groupId"`
	UserID  string `json:"userId"`
	IsAdmin bool   `json:"isAdmin,omitempty"`
}

// AuditTarget is "<group>/<user>"
func (r *MembershipRequest) AuditTarget() string { return r.GroupID + "/" + r.UserID }

// Groups manages groups and their members
type Groups struct {
	store   Store
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewGroups creates the group service. Membership needs the user store
// too, so it takes the full identity store.
func NewGroups(store Store, metrics *observability.Metrics, logger *observability.Logger) *Groups {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Groups{
		store:   store,
		metrics: metrics,
		logger:  logger.WithComponent("groups"),
		now:     time.Now,
	}
}

// GroupsOf returns the groups principalID belongs to. It lets the
// permission engine honor grants made to groups.
func (s *Groups) GroupsOf(ctx context.Context, principalID string) ([]string, error) {
	return s.store.GroupsOf(ctx, principalID)
}

// requireRole passes for global admins and for members of groupID, which
// must also be group admins when admin is set
func (s *Groups) requireRole(ctx context.Context, claims *auth.Claims, groupID string, admin bool) error {
	if claims.IsAdmin {
		return nil
	}
	m, err := s.store.Member(ctx, groupID, claims.Subject)
	if apperr.IsNotFound(err) {
		return apperr.PermissionDenied("not a member of group %s", groupID)
	}
	if err != nil {
		return err
	}
	if admin && !m.IsAdmin {
		return apperr.PermissionDenied("group admin privileges required for %s", groupID)
	}
	return nil
}

// Create adds a group. A user creating it becomes its first group admin.
func (s *Groups) Create(ctx context.Context, name string) (*Group, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	name, err = validName(name, "group")
	if err != nil {
		return nil, err
	}

	admin := ""
	if _, err := s.store.GetUser(ctx, claims.Subject); err == nil {
		admin = claims.Subject
	} else if !apperr.IsNotFound(err) {
		return nil, err
	}

	at := now(s.now)
	g := &Group{
		ID:        permissions.NormalizePrincipal(name),
		Name:      name,
		CreatedAt: at,
		UpdatedAt: at,
	}
	if err := s.store.CreateGroup(ctx, g, admin); err != nil {
		return nil, err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("group", "create").Inc()
	s.logger.ForContext(ctx).WithField("group_id", g.ID).Infof("Created group %s", name)
	return g, nil
}

// Get returns a group by id or name to its members
func (s *Groups) Get(ctx context.Context, ref string) (*Group, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	id := permissions.NormalizePrincipal(ref)
	if err := s.requireRole(ctx, claims, id, false); err != nil {
		return nil, err
	}
	return s.store.GetGroup(ctx, id)
}

// Update renames a group. Its id does not change.
func (s *Groups) Update(ctx context.Context, req *UpdateGroupRequest) (*Group, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	name, err := validName(req.Name, "group")
	if err != nil {
		return nil, err
	}
	id := permissions.NormalizePrincipal(req.ID)
	if err := s.requireRole(ctx, claims, id, true); err != nil {
		return nil, err
	}

	g, err := s.store.UpdateGroup(ctx, id, func(g *Group) error {
		g.Name = name
		g.UpdatedAt = now(s.now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("group", "update").Inc()
	return g, nil
}

// Delete removes a group and its memberships
func (s *Groups) Delete(ctx context.Context, ref string) (*Group, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	id := permissions.NormalizePrincipal(ref)
	if err := s.requireRole(ctx, claims, id, true); err != nil {
		return nil, err
	}
	g, err := s.store.DeleteGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("group", "delete").Inc()
	s.logger.ForContext(ctx).WithField("group_id", g.ID).Info("Deleted group")
	return g, nil
}

// List streams every group to admins and the caller's groups otherwise
func (s *Groups) List(ctx context.Context, fn func(*Group) error) error {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return err
	}
	member := claims.Subject
	if claims.IsAdmin {
		member = ""
	}
	return s.store.ListGroups(ctx, member, fn)
}

// AddUser adds a user to a group, or changes their admin flag
func (s *Groups) AddUser(ctx context.Context, req *MembershipRequest) error {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return err
	}
	groupID := permissions.NormalizePrincipal(req.GroupID)
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return apperr.Validation("user id is required")
	}
	if err := s.requireRole(ctx, claims, groupID, true); err != nil {
		return err
	}
	if err := s.store.AddMember(ctx, groupID, userID, req.IsAdmin, now(s.now)); err != nil {
		return err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("group_member", "add").Inc()
	return nil
}

// DelUser removes a user from a group
func (s *Groups) DelUser(ctx context.Context, req *MembershipRequest) error {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return err
	}
	groupID := permissions.NormalizePrincipal(req.GroupID)
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return apperr.Validation("user id is required")
	}
	if err := s.requireRole(ctx, claims, groupID, true); err != nil {
		return err
	}
	if err := s.store.RemoveMember(ctx, groupID, userID); err != nil {
		return err
	}
	s.metrics.ResourceMutationsTotal.WithLabelValues("group_member", "remove").Inc()
	return nil
}

// ListMembers streams a group's members in join order
func (s *Groups) ListMembers(ctx context.Context, ref string, fn func(*GroupMember) error) error {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return err
	}
	id := permissions.NormalizePrincipal(ref)
	if err := s.requireRole(ctx, claims, id, false); err != nil {
		return err
	}
	return s.store.ListMembers(ctx, id, fn)
}

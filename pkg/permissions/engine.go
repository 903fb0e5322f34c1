package permissions

import (
	"context"
	"strconv"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/async"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
)

// Engine evaluates and manages grants. A grant on a resource authorizes the
// action on every resource below it in the permission parent chain.
type Engine struct {
	store   Store
	parents ParentResolver
	groups  GroupResolver
	locks   *async.KeyedMutex
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewEngine creates a permission engine. locks is shared with the resource
// service so grant changes and resource mutations on one id are
// serialized. groups may be nil when group membership is not tracked.
func NewEngine(store Store, parents ParentResolver, groups GroupResolver, locks *async.KeyedMutex, metrics *observability.Metrics, logger *observability.Logger) *Engine {
	if locks == nil {
		locks = async.NewKeyedMutex()
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Engine{
		store:   store,
		parents: parents,
		groups:  groups,
		locks:   locks,
		metrics: metrics,
		logger:  logger.WithComponent("permissions"),
	}
}

// Store returns the underlying grant store
func (e *Engine) Store() Store {
	return e.store
}

// check walks from resourceID up the permission parent chain looking for a
// grant of action to any of principals.
func (e *Engine) check(ctx context.Context, principals []string, resourceID, action string) (bool, error) {
	visited := make(map[string]bool)
	current := resourceID

	for depth := 0; current != "" && depth < MaxChainDepth; depth++ {
		if visited[current] {
			e.logger.ForContext(ctx).WithField("resource_id", resourceID).Warn("Permission parent cycle detected")
			return false, nil
		}
		visited[current] = true

		ok, err := e.store.HasAny(ctx, current, principals, action)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		parent, err := e.parents.PermissionParent(ctx, current)
		if err != nil {
			// a vanished ancestor ends the chain; an unknown start resource
			// is the caller's error
			if apperr.IsNotFound(err) && current != resourceID {
				return false, nil
			}
			return false, err
		}
		current = parent
	}
	return false, nil
}

// Allowed reports whether claims may perform action on resourceID. Admins
// may do anything.
func (e *Engine) Allowed(ctx context.Context, claims *auth.Claims, resourceID, action string) (bool, error) {
	if claims.IsAdmin {
		if _, err := e.parents.PermissionParent(ctx, resourceID); err != nil {
			return false, err
		}
		e.metrics.PermissionChecksTotal.WithLabelValues(action, "admin").Inc()
		return true, nil
	}

	ok, err := e.check(ctx, claims.Principals(), resourceID, action)
	if err != nil {
		return false, err
	}
	e.metrics.PermissionChecksTotal.WithLabelValues(action, strconv.FormatBool(ok)).Inc()
	return ok, nil
}

// Require is Allowed returning PermissionDenied when not allowed
func (e *Engine) Require(ctx context.Context, claims *auth.Claims, resourceID, action string) error {
	ok, err := e.Allowed(ctx, claims, resourceID, action)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.PermissionDenied("%s is not allowed to %s resource %s", claims.Subject, action, resourceID)
	}
	return nil
}

// Share grants actions on resourceID to principalID. The caller needs
// grant on the resource.
func (e *Engine) Share(ctx context.Context, resourceID, principalID string, actions []string) (*PermissionInfo, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	actions, err = NormalizeActions(actions)
	if err != nil {
		return nil, err
	}
	if principalID == "" {
		return nil, apperr.Validation("principalId is required")
	}
	principalID = NormalizePrincipal(principalID)

	unlock := e.locks.Lock(resourceID)
	defer unlock()

	if err := e.Require(ctx, claims, resourceID, ActionGrant); err != nil {
		return nil, err
	}
	info, err := e.store.Grant(ctx, resourceID, principalID, actions)
	if err != nil {
		return nil, err
	}

	e.logger.ForContext(ctx).WithFields(map[string]interface{}{
		"resource_id":  resourceID,
		"principal_id": principalID,
		"actions":      actions,
	}).Info("Permissions shared")
	return info, nil
}

// Unshare revokes actions. Revoking every action clears the grant.
func (e *Engine) Unshare(ctx context.Context, resourceID, principalID string, actions []string) (*PermissionInfo, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	actions, err = NormalizeActions(actions)
	if err != nil {
		return nil, err
	}
	if principalID == "" {
		return nil, apperr.Validation("principalId is required")
	}
	principalID = NormalizePrincipal(principalID)

	unlock := e.locks.Lock(resourceID)
	defer unlock()

	if err := e.Require(ctx, claims, resourceID, ActionGrant); err != nil {
		return nil, err
	}
	info, err := e.store.Revoke(ctx, resourceID, principalID, actions)
	if err != nil {
		return nil, err
	}

	e.logger.ForContext(ctx).WithFields(map[string]interface{}{
		"resource_id":  resourceID,
		"principal_id": principalID,
		"actions":      actions,
	}).Info("Permissions revoked")
	return info, nil
}

// Get returns principalID's direct grant on resourceID
func (e *Engine) Get(ctx context.Context, resourceID, principalID string) (*PermissionInfo, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.Require(ctx, claims, resourceID, ActionGrant); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, resourceID, NormalizePrincipal(principalID))
}

// List streams the direct grants on resourceID
func (e *Engine) List(ctx context.Context, resourceID string, fn func(*PermissionInfo) error) error {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return err
	}
	if err := e.Require(ctx, claims, resourceID, ActionGrant); err != nil {
		return err
	}
	return e.store.List(ctx, resourceID, fn)
}

// Check reports whether principalID may perform action on resourceID,
// directly or through a permission ancestor. An empty principalID checks
// the caller. Checking another principal requires grant on the resource.
func (e *Engine) Check(ctx context.Context, resourceID, principalID, action string) (bool, error) {
	claims, err := auth.RequireClaims(ctx)
	if err != nil {
		return false, err
	}
	if action == "" {
		return false, apperr.Validation("action is required")
	}
	if principalID == "" || principalID == claims.Subject {
		return e.Allowed(ctx, claims, resourceID, action)
	}

	if err := e.Require(ctx, claims, resourceID, ActionGrant); err != nil {
		return false, err
	}

	principalID = NormalizePrincipal(principalID)
	principals := []string{principalID}
	if e.groups != nil {
		groups, err := e.groups.GroupsOf(ctx, principalID)
		if err != nil {
			return false, err
		}
		principals = append(principals, groups...)
	}

	ok, err := e.check(ctx, principals, resourceID, action)
	if err != nil {
		return false, err
	}
	e.metrics.PermissionChecksTotal.WithLabelValues(action, strconv.FormatBool(ok)).Inc()
	return ok, nil
}

// PrincipalsWith returns every principal holding action on resourceID or
// on one of its permission ancestors. The result is never nil.
func (e *Engine) PrincipalsWith(ctx context.Context, resourceID, action string) ([]string, error) {
	out := []string{}
	seen := make(map[string]bool)
	visited := make(map[string]bool)
	current := resourceID

	for depth := 0; current != "" && depth < MaxChainDepth && !visited[current]; depth++ {
		visited[current] = true
		err := e.store.List(ctx, current, func(info *PermissionInfo) error {
			if seen[info.PrincipalID] {
				return nil
			}
			for _, a := range info.Actions {
				if a == action {
					seen[info.PrincipalID] = true
					out = append(out, info.PrincipalID)
					break
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		parent, err := e.parents.PermissionParent(ctx, current)
		if err != nil {
			if apperr.IsNotFound(err) && current != resourceID {
				break
			}
			return nil, err
		}
		current = parent
	}
	return out, nil
}

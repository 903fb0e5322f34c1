package permissions

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/platinummonkey/keel/pkg/apperr"
)

// Catalog actions. Grants may name other actions too; these are the ones
// the catalog services check.
const (
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionGrant  = "grant"
)

// AllActions is granted to the creator of a resource without a permission
// parent
var AllActions = []string{ActionDelete, ActionGrant, ActionRead, ActionUpdate}

// MaxChainDepth caps the permission parent walk
const MaxChainDepth = 64

// PermissionInfo is the set of actions one principal holds on one resource
type PermissionInfo struct {
	ResourceID  string   `json:"resourceId"`
	PrincipalID string   `json:"principalId"`
	Actions     []string `json:"actionsList"`
}

// Store persists grants
type Store interface {
	// Grant adds actions and returns the merged grant
	Grant(ctx context.Context, resourceID, principalID string, actions []string) (*PermissionInfo, error)
	// Revoke removes actions and returns what remains
	Revoke(ctx context.Context, resourceID, principalID string, actions []string) (*PermissionInfo, error)
	Get(ctx context.Context, resourceID, principalID string) (*PermissionInfo, error)
	// List calls fn once per principal holding a grant on resourceID
	List(ctx context.Context, resourceID string, fn func(*PermissionInfo) error) error
	// HasAny reports whether any of principals holds action directly on
	// resourceID
	HasAny(ctx context.Context, resourceID string, principals []string, action string) (bool, error)
	RevokeAll(ctx context.Context, resourceID string) error
}

// ParentResolver returns a resource's permission parent ("" for none) and
// NotFound for unknown resources
type ParentResolver interface {
	PermissionParent(ctx context.Context, resourceID string) (string, error)
}

// GroupResolver returns the group ids a principal belongs to
type GroupResolver interface {
	GroupsOf(ctx context.Context, principalID string) ([]string, error)
}

// NormalizePrincipal maps a principal reference to its id. UUIDs are
// canonicalized; names are mapped to their name-based (v5) id so service
// accounts and groups can be shared with by name.
func NormalizePrincipal(principal string) string {
	principal = strings.TrimSpace(principal)
	if id, err := uuid.Parse(principal); err == nil {
		return id.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(principal)).String()
}

// NormalizeActions trims, de-duplicates and sorts actions. It rejects an
// empty list or an empty action name.
func NormalizeActions(actions []string) ([]string, error) {
	if len(actions) == 0 {
		return nil, apperr.Validation("at least one action is required")
	}
	seen := make(map[string]bool, len(actions))
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		a = strings.TrimSpace(a)
		if a == "" {
			return nil, apperr.Validation("action names must not be empty")
		}
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Strings(out)
	return out, nil
}

package resources

import (
	"context"
	"time"
)

// Resource is a kind-tagged record with an opaque payload
type Resource struct {
	ID                 string            `json:"id"`
	Kind               string            `json:"kind"`
	ParentID           string            `json:"parentId,omitempty"`
	PermissionParentID string            `json:"permissionParentId,omitempty"`
	CreatorID          string            `json:"creatorId"`
	Data               string            `json:"data"`
	Labels             map[string]string `json:"labels,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

func (r *Resource) clone() *Resource {
	out := *r
	if r.Labels != nil {
		out.Labels = make(map[string]string, len(r.Labels))
		for k, v := range r.Labels {
			out.Labels[k] = v
		}
	}
	return &out
}

// Share is an initial grant applied when a resource is created
type Share struct {
	PrincipalID string   `json:"principalId"`
	Actions     []string `json:"actions"`
}

// Filter selects resources in List. Zero fields match everything.
type Filter struct {
	Kind string
	// Labels must all be present with equal values
	Labels map[string]string
	// Match is a JSON document the payload must contain
	Match string
	// Query is a full-text search over the payload's string values
	Query string
}

// Store persists resources. Create applies its grants atomically with the
// insert and Delete revokes every grant on the resource.
type Store interface {
	Create(ctx context.Context, r *Resource, grants []Share) error
	Get(ctx context.Context, id string) (*Resource, error)
	// Update loads the resource, applies fn and persists the result
	// atomically. fn must not change ID, Kind or the parents.
	Update(ctx context.Context, id string, fn func(*Resource) error) (*Resource, error)
	// Delete removes the resource and returns its last state. Resources
	// referenced as a parent are a ConflictError.
	Delete(ctx context.Context, id string) (*Resource, error)
	// List calls fn for matching resources, newest first
	List(ctx context.Context, filter Filter, fn func(*Resource) error) error
	// PermissionParent returns the permission parent of id, or "" at the
	// top of a chain
	PermissionParent(ctx context.Context, id string) (string, error)
}

// UniqueResolver returns the payload properties that must be unique among
// resources of a kind
type UniqueResolver interface {
	UniqueProperties(ctx context.Context, kind string) ([]string, error)
}

package rpc

import (
	"github.com/platinummonkey/keel/pkg/events"
)

// Service names
const (
	ResourcesService       = "keel.catalog.Resources"
	SchemasService         = "keel.catalog.Schemas"
	PermissionsService     = "keel.catalog.Permissions"
	EventsService          = "keel.catalog.Events"
	LocksService           = "keel.catalog.Locks"
	UsersService           = "keel.idp.Users"
	ServiceAccountsService = "keel.idp.ServiceAccounts"
	AuthenticationService  = "keel.idp.Authentication"
	GroupsService          = "keel.idp.Groups"
)

// ServiceNames lists every keel service, for health reporting
func ServiceNames() []string {
	return []string{
		ResourcesService, SchemasService, PermissionsService, EventsService, LocksService,
		UsersService, ServiceAccountsService, AuthenticationService, GroupsService,
	}
}

// FullMethod returns the "/service/method" name used on the wire
func FullMethod(service, method string) string {
	return "/" + service + "/" + method
}

// Empty is the acknowledgement of calls with nothing to return
type Empty struct{}

// IDRequest names one entity
type IDRequest struct {
	ID string `json:"id"`
}

func (r *IDRequest) AuditTarget() string { return r.ID }

// CreateSchemaRequest registers the schema for a kind
type CreateSchemaRequest struct {
	Kind string `json:"kind"`
	Data string `json:"data"`
}

func (r *CreateSchemaRequest) AuditTarget() string { return r.Kind }

// UpdateSchemaRequest replaces a schema document
type UpdateSchemaRequest struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

func (r *UpdateSchemaRequest) AuditTarget() string { return r.ID }

// ListSchemasRequest pages through schemas whose kind contains Filter
type ListSchemasRequest struct {
	Filter   string `json:"filter,omitempty"`
	Page     int    `json:"page,omitempty"`
	PageSize int    `json:"pageSize,omitempty"`
}

// ShareRequest grants or revokes actions
type ShareRequest struct {
	ResourceID  string   `json:"resourceId"`
	PrincipalID string   `json:"principalId"`
	Actions     []string `json:"actionsList"`
}

func (r *ShareRequest) AuditTarget() string { return r.ResourceID + ":" + r.PrincipalID }

// PermissionRequest names one principal's grant on a resource
type PermissionRequest struct {
	ResourceID  string `json:"resourceId"`
	PrincipalID string `json:"principalId"`
}

// ListPermissionsRequest lists the grants on a resource
type ListPermissionsRequest struct {
	ResourceID string `json:"resourceId"`
}

// CheckRequest asks whether a principal may act on a resource. An empty
// PrincipalID checks the caller.
type CheckRequest struct {
	ResourceID  string `json:"resourceId"`
	PrincipalID string `json:"principalId,omitempty"`
	Action      string `json:"action"`
}

// PermissionCheckResponse is the answer to a CheckRequest
type PermissionCheckResponse struct {
	Granted bool `json:"granted"`
}

// PublishRequest is an explicit event publication
type PublishRequest struct {
	ResourceID     string            `json:"resourceId"`
	ResourceKind   string            `json:"resourceKind"`
	EventType      events.EventType  `json:"eventType"`
	Data           string            `json:"data,omitempty"`
	ResourceLabels map[string]string `json:"resourceLabels,omitempty"`
}

// LockRequest names the lock to acquire
type LockRequest struct {
	LockID string `json:"lockId"`
}

// CreateGroupRequest creates a group
type CreateGroupRequest struct {
	Name string `json:"name"`
}

func (r *CreateGroupRequest) AuditTarget() string { return r.Name }

// RefreshRequest rotates a refresh token
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

package audit

import (
	"time"
)

// EventType names the audited action
type EventType string

const (
	EventTypeLogin   EventType = "auth.login"
	EventTypeRefresh EventType = "auth.refresh"

	EventTypeUserCreate EventType = "admin.user_create"
	EventTypeUserUpdate EventType = "admin.user_update"
	EventTypeUserDelete EventType = "admin.user_delete"

	EventTypeServiceAccountCreate EventType = "admin.service_account_create"
	EventTypeServiceAccountUpdate EventType = "admin.service_account_update"
	EventTypeServiceAccountDelete EventType = "admin.service_account_delete"

	EventTypeGroupCreate       EventType = "admin.group_create"
	EventTypeGroupUpdate       EventType = "admin.group_update"
	EventTypeGroupDelete       EventType = "admin.group_delete"
	EventTypeGroupMemberAdd    EventType = "admin.group_member_add"
	EventTypeGroupMemberRemove EventType = "admin.group_member_remove"

	EventTypePermissionGrant  EventType = "authz.permission_grant"
	EventTypePermissionRevoke EventType = "authz.permission_revoke"

	EventTypeSchemaCreate EventType = "config.schema_create"
	EventTypeSchemaUpdate EventType = "config.schema_update"
	EventTypeSchemaDelete EventType = "config.schema_delete"
)

// EventStatus is the outcome of an audited action
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event is a single audit trail entry
type Event struct {
	ID          int64       `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	EventType   EventType   `json:"event_type"`
	Status      EventStatus `json:"status"`
	PrincipalID string      `json:"principal_id,omitempty"`
	Target      string      `json:"target,omitempty"`
	RequestID   string      `json:"request_id,omitempty"`
	Method      string      `json:"method,omitempty"`
	Message     string      `json:"message,omitempty"`
	Error       string      `json:"error,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchFilter selects audit entries. Zero fields do not filter.
type SearchFilter struct {
	Since       time.Time
	Until       time.Time
	PrincipalID string
	EventTypes  []EventType
	Status      EventStatus
	Limit       int
	Offset      int
}

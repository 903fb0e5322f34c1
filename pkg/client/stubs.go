package client

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"

	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/events"
	"github.com/platinummonkey/keel/pkg/identity"
	"github.com/platinummonkey/keel/pkg/locks"
	"github.com/platinummonkey/keel/pkg/permissions"
	"github.com/platinummonkey/keel/pkg/resources"
	"github.com/platinummonkey/keel/pkg/rpc"
	"github.com/platinummonkey/keel/pkg/schemas"
)

// ResourcesClient calls keel.catalog.Resources
type ResourcesClient struct{ conn *grpc.ClientConn }

func (c *ResourcesClient) Create(ctx context.Context, req *resources.CreateRequest, opts ...grpc.CallOption) (*resources.Resource, error) {
	return call[resources.Resource](ctx, c.conn, rpc.ResourcesService, "Create", req, opts...)
}

func (c *ResourcesClient) Get(ctx context.Context, id string, opts ...grpc.CallOption) (*resources.Resource, error) {
	return call[resources.Resource](ctx, c.conn, rpc.ResourcesService, "Get", &rpc.IDRequest{ID: id}, opts...)
}

func (c *ResourcesClient) Update(ctx context.Context, req *resources.UpdateRequest, opts ...grpc.CallOption) (*resources.Resource, error) {
	return call[resources.Resource](ctx, c.conn, rpc.ResourcesService, "Update", req, opts...)
}

func (c *ResourcesClient) Delete(ctx context.Context, id string, opts ...grpc.CallOption) (*resources.Resource, error) {
	return call[resources.Resource](ctx, c.conn, rpc.ResourcesService, "Delete", &rpc.IDRequest{ID: id}, opts...)
}

func (c *ResourcesClient) List(ctx context.Context, req *resources.ListRequest, fn func(*resources.Resource) error, opts ...grpc.CallOption) error {
	return stream(ctx, c.conn, rpc.ResourcesService, "List", req, fn, opts...)
}

// SchemasClient calls keel.catalog.Schemas
type SchemasClient struct{ conn *grpc.ClientConn }

func (c *SchemasClient) Create(ctx context.Context, kind, data string, opts ...grpc.CallOption) (*schemas.Schema, error) {
	return call[schemas.Schema](ctx, c.conn, rpc.SchemasService, "Create", &rpc.CreateSchemaRequest{Kind: kind, Data: data}, opts...)
}

func (c *SchemasClient) Get(ctx context.Context, id string, opts ...grpc.CallOption) (*schemas.Schema, error) {
	return call[schemas.Schema](ctx, c.conn, rpc.SchemasService, "Get", &rpc.IDRequest{ID: id}, opts...)
}

func (c *SchemasClient) Update(ctx context.Context, id, data string, opts ...grpc.CallOption) (*schemas.Schema, error) {
	return call[schemas.Schema](ctx, c.conn, rpc.SchemasService, "Update", &rpc.UpdateSchemaRequest{ID: id, Data: data}, opts...)
}

func (c *SchemasClient) Delete(ctx context.Context, id string, opts ...grpc.CallOption) (*schemas.Schema, error) {
	return call[schemas.Schema](ctx, c.conn, rpc.SchemasService, "Delete", &rpc.IDRequest{ID: id}, opts...)
}

func (c *SchemasClient) List(ctx context.Context, req *rpc.ListSchemasRequest, fn func(*schemas.Schema) error, opts ...grpc.CallOption) error {
	return stream(ctx, c.conn, rpc.SchemasService, "List", req, fn, opts...)
}

// Apply creates the schema for kind or updates it when one exists. It
// reports whether anything changed.
func (c *SchemasClient) Apply(ctx context.Context, kind, data string, opts ...grpc.CallOption) (*schemas.Schema, bool, error) {
	var existing *schemas.Schema
	err := c.List(ctx, &rpc.ListSchemasRequest{Filter: kind}, func(s *schemas.Schema) error {
		if s.Kind == kind {
			existing = s
		}
		return nil
	}, opts...)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		created, err := c.Create(ctx, kind, data, opts...)
		return created, err == nil, err
	}
	if existing.Data == data {
		return existing, false, nil
	}
	updated, err := c.Update(ctx, existing.ID, data, opts...)
	return updated, err == nil, err
}

// PermissionsClient calls keel.catalog.Permissions
type PermissionsClient struct{ conn *grpc.ClientConn }

func (c *PermissionsClient) Share(ctx context.Context, resourceID, principalID string, actions []string, opts ...grpc.CallOption) (*permissions.PermissionInfo, error) {
	req := &rpc.ShareRequest{ResourceID: resourceID, PrincipalID: principalID, Actions: actions}
	return call[permissions.PermissionInfo](ctx, c.conn, rpc.PermissionsService, "Share", req, opts...)
}

func (c *PermissionsClient) Unshare(ctx context.Context, resourceID, principalID string, actions []string, opts ...grpc.CallOption) (*permissions.PermissionInfo, error) {
	req := &rpc.ShareRequest{ResourceID: resourceID, PrincipalID: principalID, Actions: actions}
	return call[permissions.PermissionInfo](ctx, c.conn, rpc.PermissionsService, "Unshare", req, opts...)
}

func (c *PermissionsClient) Get(ctx context.Context, resourceID, principalID string, opts ...grpc.CallOption) (*permissions.PermissionInfo, error) {
	req := &rpc.PermissionRequest{ResourceID: resourceID, PrincipalID: principalID}
	return call[permissions.PermissionInfo](ctx, c.conn, rpc.PermissionsService, "Get", req, opts...)
}

func (c *PermissionsClient) List(ctx context.Context, resourceID string, fn func(*permissions.PermissionInfo) error, opts ...grpc.CallOption) error {
	return stream(ctx, c.conn, rpc.PermissionsService, "List", &rpc.ListPermissionsRequest{ResourceID: resourceID}, fn, opts...)
}

// Check reports whether principalID may perform action on resourceID. An
// empty principalID checks the caller.
func (c *PermissionsClient) Check(ctx context.Context, resourceID, principalID, action string, opts ...grpc.CallOption) (bool, error) {
	req := &rpc.CheckRequest{ResourceID: resourceID, PrincipalID: principalID, Action: action}
	resp, err := call[rpc.PermissionCheckResponse](ctx, c.conn, rpc.PermissionsService, "Check", req, opts...)
	if err != nil {
		return false, err
	}
	return resp.Granted, nil
}

// EventsClient calls keel.catalog.Events
type EventsClient struct{ conn *grpc.ClientConn }

func (c *EventsClient) Publish(ctx context.Context, req *rpc.PublishRequest, opts ...grpc.CallOption) (*events.Event, error) {
	return call[events.Event](ctx, c.conn, rpc.EventsService, "Publish", req, opts...)
}

// Subscribe calls fn for every matching event until ctx is cancelled
// (nil) or the server ends the subscription (its error)
func (c *EventsClient) Subscribe(ctx context.Context, filter events.Filter, fn func(*events.Event) error, opts ...grpc.CallOption) error {
	err := stream(ctx, c.conn, rpc.EventsService, "Subscribe", &filter, fn, opts...)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// LocksClient calls keel.catalog.Locks
type LocksClient struct{ conn *grpc.ClientConn }

// HeldLock is an acquired lock. It stays held until Release or until the
// stream breaks, which closes Done.
type HeldLock struct {
	locks.Lock

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Release ends the lock stream, freeing the lock
func (h *HeldLock) Release() {
	h.cancel()
	<-h.done
}

// Done is closed once the lock is no longer held
func (h *HeldLock) Done() <-chan struct{} {
	return h.done
}

// Err reports why the lock was lost. It is nil after Release.
func (h *HeldLock) Err() error {
	<-h.done
	return h.err
}

func (c *LocksClient) acquire(ctx context.Context, method, id string, opts []grpc.CallOption) (*HeldLock, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	cs, err := openStream(streamCtx, c.conn, rpc.LocksService, method, &rpc.LockRequest{LockID: id}, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	held := &HeldLock{cancel: cancel, done: make(chan struct{})}
	if err := cs.RecvMsg(&held.Lock); err != nil {
		cancel()
		if errors.Is(err, io.EOF) {
			// the server ended the stream while we were queued
			return nil, ctx.Err()
		}
		return nil, rpc.FromStatus(err)
	}

	go func() {
		defer close(held.done)
		// the server sends nothing more; this returns when the stream ends
		err := cs.RecvMsg(&locks.Lock{})
		if streamCtx.Err() == nil && !errors.Is(err, io.EOF) {
			held.err = rpc.FromStatus(err)
		}
	}()
	return held, nil
}

// Lock blocks until id is free and returns the held lock
func (c *LocksClient) Lock(ctx context.Context, id string, opts ...grpc.CallOption) (*HeldLock, error) {
	return c.acquire(ctx, "Lock", id, opts)
}

// TryLock is Lock failing with a ConflictError when id is held
func (c *LocksClient) TryLock(ctx context.Context, id string, opts ...grpc.CallOption) (*HeldLock, error) {
	return c.acquire(ctx, "TryLock", id, opts)
}

// UsersClient calls keel.idp.Users
type UsersClient struct{ conn *grpc.ClientConn }

func (c *UsersClient) Create(ctx context.Context, req *identity.CreateUserRequest, opts ...grpc.CallOption) (*identity.User, error) {
	return call[identity.User](ctx, c.conn, rpc.UsersService, "Create", req, opts...)
}

func (c *UsersClient) Get(ctx context.Context, ref string, opts ...grpc.CallOption) (*identity.User, error) {
	return call[identity.User](ctx, c.conn, rpc.UsersService, "Get", &rpc.IDRequest{ID: ref}, opts...)
}

func (c *UsersClient) Update(ctx context.Context, req *identity.UpdateUserRequest, opts ...grpc.CallOption) (*identity.User, error) {
	return call[identity.User](ctx, c.conn, rpc.UsersService, "Update", req, opts...)
}

func (c *UsersClient) Delete(ctx context.Context, id string, opts ...grpc.CallOption) (*identity.User, error) {
	return call[identity.User](ctx, c.conn, rpc.UsersService, "Delete", &rpc.IDRequest{ID: id}, opts...)
}

func (c *UsersClient) List(ctx context.Context, fn func(*identity.User) error, opts ...grpc.CallOption) error {
	return stream(ctx, c.conn, rpc.UsersService, "List", &rpc.Empty{}, fn, opts...)
}

// ServiceAccountsClient calls keel.idp.ServiceAccounts
type ServiceAccountsClient struct{ conn *grpc.ClientConn }

func (c *ServiceAccountsClient) Create(ctx context.Context, req *identity.CreateServiceAccountRequest, opts ...grpc.CallOption) (*identity.ServiceAccountWithSecret, error) {
	return call[identity.ServiceAccountWithSecret](ctx, c.conn, rpc.ServiceAccountsService, "Create", req, opts...)
}

func (c *ServiceAccountsClient) Get(ctx context.Context, ref string, opts ...grpc.CallOption) (*identity.ServiceAccount, error) {
	return call[identity.ServiceAccount](ctx, c.conn, rpc.ServiceAccountsService, "Get", &rpc.IDRequest{ID: ref}, opts...)
}

func (c *ServiceAccountsClient) Update(ctx context.Context, req *identity.UpdateServiceAccountRequest, opts ...grpc.CallOption) (*identity.ServiceAccountWithSecret, error) {
	return call[identity.ServiceAccountWithSecret](ctx, c.conn, rpc.ServiceAccountsService, "Update", req, opts...)
}

func (c *ServiceAccountsClient) Delete(ctx context.Context, ref string, opts ...grpc.CallOption) (*identity.ServiceAccount, error) {
	return call[identity.ServiceAccount](ctx, c.conn, rpc.ServiceAccountsService, "Delete", &rpc.IDRequest{ID: ref}, opts...)
}

func (c *ServiceAccountsClient) List(ctx context.Context, fn func(*identity.ServiceAccount) error, opts ...grpc.CallOption) error {
	return stream(ctx, c.conn, rpc.ServiceAccountsService, "List", &rpc.Empty{}, fn, opts...)
}

// AuthenticationClient calls keel.idp.Authentication
type AuthenticationClient struct{ conn *grpc.ClientConn }

func (c *AuthenticationClient) Login(ctx context.Context, req *identity.LoginRequest, opts ...grpc.CallOption) (*auth.TokenPair, error) {
	return call[auth.TokenPair](ctx, c.conn, rpc.AuthenticationService, "Login", req, opts...)
}

func (c *AuthenticationClient) Refresh(ctx context.Context, refreshToken string, opts ...grpc.CallOption) (*auth.TokenPair, error) {
	return call[auth.TokenPair](ctx, c.conn, rpc.AuthenticationService, "Refresh", &rpc.RefreshRequest{RefreshToken: refreshToken}, opts...)
}

// GroupsClient calls keel.idp.Groups
type GroupsClient struct{ conn *grpc.ClientConn }

func (c *GroupsClient) Create(ctx context.Context, name string, opts ...grpc.CallOption) (*identity.Group, error) {
	return call[identity.Group](ctx, c.conn, rpc.GroupsService, "Create", &rpc.CreateGroupRequest{Name: name}, opts...)
}

func (c *GroupsClient) Get(ctx context.Context, ref string, opts ...grpc.CallOption) (*identity.Group, error) {
	return call[identity.Group](ctx, c.conn, rpc.GroupsService, "Get", &rpc.IDRequest{ID: ref}, opts...)
}

func (c *GroupsClient) Update(ctx context.Context, req *identity.UpdateGroupRequest, opts ...grpc.CallOption) (*identity.Group, error) {
	return call[identity.Group](ctx, c.conn, rpc.GroupsService, "Update", req, opts...)
}

func (c *GroupsClient) Delete(ctx context.Context, ref string, opts ...grpc.CallOption) (*identity.Group, error) {
	return call[identity.Group](ctx, c.conn, rpc.GroupsService, "Delete", &rpc.IDRequest{ID: ref}, opts...)
}

func (c *GroupsClient) List(ctx context.Context, fn func(*identity.Group) error, opts ...grpc.CallOption) error {
	return stream(ctx, c.conn, rpc.GroupsService, "List", &rpc.Empty{}, fn, opts...)
}

func (c *GroupsClient) AddUser(ctx context.Context, req *identity.MembershipRequest, opts ...grpc.CallOption) error {
	_, err := call[rpc.Empty](ctx, c.conn, rpc.GroupsService, "AddUser", req, opts...)
	return err
}

func (c *GroupsClient) DelUser(ctx context.Context, req *identity.MembershipRequest, opts ...grpc.CallOption) error {
	_, err := call[rpc.Empty](ctx, c.conn, rpc.GroupsService, "DelUser", req, opts...)
	return err
}

func (c *GroupsClient) ListMembers(ctx context.Context, ref string, fn func(*identity.GroupMember) error, opts ...grpc.CallOption) error {
	return stream(ctx, c.conn, rpc.GroupsService, "ListMembers", &rpc.IDRequest{ID: ref}, fn, opts...)
}

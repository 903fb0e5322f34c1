// Package rpc exposes the keel catalog and identity services over gRPC.
//
// Messages are plain Go structs carried by a JSON codec registered under
// the "json" content-subtype, and the service descriptors are written by
// hand against that codec. Every call passes through the same chain:
//
//	recovery → request id → tracing → logging/metrics → error mapping →
//	auth → rate limit → audit → handler
package rpc

import (
	"time"

	"google.golang.org/grpc"

	"github.com/platinummonkey/keel/pkg/audit"
	"github.com/platinummonkey/keel/pkg/events"
	"github.com/platinummonkey/keel/pkg/identity"
	"github.com/platinummonkey/keel/pkg/locks"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/permissions"
	"github.com/platinummonkey/keel/pkg/resources"
	"github.com/platinummonkey/keel/pkg/schemas"
)

// Services are the implementations behind the nine RPC services
type Services struct {
	Resources       *resources.Service
	Schemas         *schemas.Service
	Permissions     *permissions.Engine
	Events          *events.Service
	Locks           *locks.Service
	Users           *identity.Users
	ServiceAccounts *identity.ServiceAccounts
	Authenticator   *identity.Authenticator
	Groups          *identity.Groups
}

// Register adds every service to s
func (svc *Services) Register(s grpc.ServiceRegistrar) {
	for _, desc := range []*grpc.ServiceDesc{
		resourcesDesc(svc.Resources),
		schemasDesc(svc.Schemas),
		permissionsDesc(svc.Permissions),
		eventsDesc(svc.Events),
		locksDesc(svc.Locks),
		usersDesc(svc.Users),
		serviceAccountsDesc(svc.ServiceAccounts),
		authenticationDesc(svc.Authenticator),
		groupsDesc(svc.Groups),
	} {
		s.RegisterService(desc, nil)
	}
}

// AuditedMethods maps every mutating identity, grant and schema method to
// its audit event
var AuditedMethods = map[string]audit.EventType{
	FullMethod(AuthenticationService, "Login"):   audit.EventTypeLogin,
	FullMethod(AuthenticationService, "Refresh"): audit.EventTypeRefresh,
	FullMethod(UsersService, "Create"):           audit.EventTypeUserCreate,
	FullMethod(UsersService, "Update"):           audit.EventTypeUserUpdate,
	FullMethod(UsersService, "Delete"):           audit.EventTypeUserDelete,
	FullMethod(ServiceAccountsService, "Create"): audit.EventTypeServiceAccountCreate,
	FullMethod(ServiceAccountsService, "Update"): audit.EventTypeServiceAccountUpdate,
	FullMethod(ServiceAccountsService, "Delete"): audit.EventTypeServiceAccountDelete,
	FullMethod(GroupsService, "Create"):          audit.EventTypeGroupCreate,
	FullMethod(GroupsService, "Update"):          audit.EventTypeGroupUpdate,
	FullMethod(GroupsService, "Delete"):          audit.EventTypeGroupDelete,
	FullMethod(GroupsService, "AddUser"):         audit.EventTypeGroupMemberAdd,
	FullMethod(GroupsService, "DelUser"):         audit.EventTypeGroupMemberRemove,
	FullMethod(PermissionsService, "Share"):      audit.EventTypePermissionGrant,
	FullMethod(PermissionsService, "Unshare"):    audit.EventTypePermissionRevoke,
	FullMethod(SchemasService, "Create"):         audit.EventTypeSchemaCreate,
	FullMethod(SchemasService, "Update"):         audit.EventTypeSchemaUpdate,
	FullMethod(SchemasService, "Delete"):         audit.EventTypeSchemaDelete,
}

// Options configure NewServer
type Options struct {
	Tokens TokenVerifier
	// Audit receives audited calls. Nil disables auditing.
	Audit audit.Logger
	// Limiter throttles callers. Nil disables rate limiting.
	Limiter        Limiter
	Metrics        *observability.Metrics
	Logger         *observability.Logger
	MaxRecvMsgSize int
	// Liveness bounds how long a silent peer keeps its streams, and with
	// them its locks. Zero means DefaultLiveness.
	Liveness      time.Duration
	ServerOptions []grpc.ServerOption
}

// NewServer builds a gRPC server with the keel interceptor chain and all
// services registered
func NewServer(svc *Services, opts Options) *grpc.Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	logger = logger.WithComponent("rpc")
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	auditLogger := opts.Audit
	if auditLogger == nil {
		auditLogger = audit.NopLogger{}
	}

	unaries := []grpc.UnaryServerInterceptor{
		UnaryRecoveryInterceptor(logger),
		UnaryRequestIDInterceptor(),
		UnaryTracingInterceptor(),
		UnaryLoggingInterceptor(logger, metrics),
		UnaryErrorInterceptor(logger),
		UnaryAuthInterceptor(opts.Tokens, PublicMethods),
	}
	streams := []grpc.StreamServerInterceptor{
		StreamRecoveryInterceptor(logger),
		StreamRequestIDInterceptor(),
		StreamTracingInterceptor(),
		StreamLoggingInterceptor(logger, metrics),
		StreamErrorInterceptor(logger),
		StreamAuthInterceptor(opts.Tokens, PublicMethods),
	}
	if opts.Limiter != nil {
		unaries = append(unaries, UnaryRateLimitInterceptor(opts.Limiter, logger))
		streams = append(streams, StreamRateLimitInterceptor(opts.Limiter, logger))
	}
	unaries = append(unaries, audit.UnaryServerInterceptor(auditLogger, AuditedMethods))

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(unaries...),
		grpc.ChainStreamInterceptor(streams...),
	}
	if opts.MaxRecvMsgSize > 0 {
		serverOpts = append(serverOpts, grpc.MaxRecvMsgSize(opts.MaxRecvMsgSize))
	}
	serverOpts = append(serverOpts, keepaliveOptions(opts.Liveness)...)
	serverOpts = append(serverOpts, opts.ServerOptions...)

	s := grpc.NewServer(serverOpts...)
	svc.Register(s)
	return s
}

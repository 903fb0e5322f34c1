package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/platinummonkey/keel/pkg/events"
	"github.com/platinummonkey/keel/pkg/locks"
	"github.com/platinummonkey/keel/pkg/permissions"
	"github.com/platinummonkey/keel/pkg/resources"
	"github.com/platinummonkey/keel/pkg/schemas"
)

func resourcesDesc(svc *resources.Service) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ResourcesService,
		Methods: []grpc.MethodDesc{
			unary(ResourcesService, "Create", func(ctx context.Context, req *resources.CreateRequest) (interface{}, error) {
				return result(svc.Create(ctx, req))
			}),
			unary(ResourcesService, "Get", func(ctx context.Context, req *IDRequest) (interface{}, error) {
				return result(svc.Get(ctx, req.ID))
			}),
			unary(ResourcesService, "Update", func(ctx context.Context, req *resources.UpdateRequest) (interface{}, error) {
				return result(svc.Update(ctx, req))
			}),
			unary(ResourcesService, "Delete", func(ctx context.Context, req *IDRequest) (interface{}, error) {
				return result(svc.Delete(ctx, req.ID))
			}),
		},
		Streams: []grpc.StreamDesc{
			serverStreaming("List", func(ctx context.Context, req *resources.ListRequest, send func(interface{}) error) error {
				return svc.List(ctx, req, func(r *resources.Resource) error { return send(r) })
			}),
		},
	}
}

func schemasDesc(svc *schemas.Service) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: SchemasService,
		Methods: []grpc.MethodDesc{
			unary(SchemasService, "Create", func(ctx context.Context, req *CreateSchemaRequest) (interface{}, error) {
				return result(svc.Create(ctx, req.Kind, req.Data))
			}),
			unary(SchemasService, "Get", func(ctx context.Context, req *IDRequest) (interface{}, error) {
				return result(svc.Get(ctx, req.ID))
			}),
			unary(SchemasService, "Update", func(ctx context.Context, req *UpdateSchemaRequest) (interface{}, error) {
				return result(svc.Update(ctx, req.ID, req.Data))
			}),
			unary(SchemasService, "Delete", func(ctx context.Context, req *IDRequest) (interface{}, error) {
				return result(svc.Delete(ctx, req.ID))
			}),
		},
		Streams: []grpc.StreamDesc{
			serverStreaming("List", func(ctx context.Context, req *ListSchemasRequest, send func(interface{}) error) error {
				return svc.List(ctx, req.Filter, req.Page, req.PageSize, func(s *schemas.Schema) error { return send(s) })
			}),
		},
	}
}

func permissionsDesc(engine *permissions.Engine) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: PermissionsService,
		Methods: []grpc.MethodDesc{
			unary(PermissionsService, "Share", func(ctx context.Context, req *ShareRequest) (interface{}, error) {
				return result(engine.Share(ctx, req.ResourceID, req.PrincipalID, req.Actions))
			}),
			unary(PermissionsService, "Unshare", func(ctx context.Context, req *ShareRequest) (interface{}, error) {
				return result(engine.Unshare(ctx, req.ResourceID, req.PrincipalID, req.Actions))
			}),
			unary(PermissionsService, "Get", func(ctx context.Context, req *PermissionRequest) (interface{}, error) {
				return result(engine.Get(ctx, req.ResourceID, req.PrincipalID))
			}),
			unary(PermissionsService, "Check", func(ctx context.Context, req *CheckRequest) (interface{}, error) {
				granted, err := engine.Check(ctx, req.ResourceID, req.PrincipalID, req.Action)
				if err != nil {
					return nil, err
				}
				return &PermissionCheckResponse{Granted: granted}, nil
			}),
		},
		Streams: []grpc.StreamDesc{
			serverStreaming("List", func(ctx context.Context, req *ListPermissionsRequest, send func(interface{}) error) error {
				return engine.List(ctx, req.ResourceID, func(p *permissions.PermissionInfo) error { return send(p) })
			}),
		},
	}
}

func eventsDesc(svc *events.Service) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: EventsService,
		Methods: []grpc.MethodDesc{
			unary(EventsService, "Publish", func(ctx context.Context, req *PublishRequest) (interface{}, error) {
				return result(svc.Publish(ctx, &events.Event{
					ResourceID:     req.ResourceID,
					ResourceKind:   req.ResourceKind,
					ResourceLabels: req.ResourceLabels,
					EventType:      req.EventType,
					Data:           req.Data,
				}))
			}),
		},
		Streams: []grpc.StreamDesc{
			serverStreaming("Subscribe", func(ctx context.Context, req *events.Filter, send func(interface{}) error) error {
				return svc.Subscribe(ctx, *req, func(ev *events.Event) error { return send(ev) })
			}),
		},
	}
}

func locksDesc(svc *locks.Service) *grpc.ServiceDesc {
	// the lock is held until the stream's context ends
	hold := func(acquire func(context.Context, string, func(*locks.Lock) error) error) func(context.Context, *LockRequest, func(interface{}) error) error {
		return func(ctx context.Context, req *LockRequest, send func(interface{}) error) error {
			return acquire(ctx, req.LockID, func(l *locks.Lock) error { return send(l) })
		}
	}
	return &grpc.ServiceDesc{
		ServiceName: LocksService,
		Streams: []grpc.StreamDesc{
			serverStreaming("Lock", hold(svc.Lock)),
			serverStreaming("TryLock", hold(svc.TryLock)),
		},
	}
}

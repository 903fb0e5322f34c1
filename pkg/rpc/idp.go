package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/platinummonkey/keel/pkg/identity"
)

func usersDesc(svc *identity.Users) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: UsersService,
		Methods: []grpc.MethodDesc{
			unary(UsersService, "Create", func(ctx context.Context, req *identity.CreateUserRequest) (interface{}, error) {
				return result(svc.Create(ctx, req))
			}),
			unary(UsersService, "Get", func(ctx context.Context, req *IDRequest) (interface{}, error) {
				return result(svc.Get(ctx, req.ID))
			}),
			unary(UsersService, "Update", func(ctx context.Context, req *identity.UpdateUserRequest) (interface{}, error) {
				return result(svc.Update(ctx, req))
			}),
			unary(UsersService, "Delete", func(ctx context.Context, req *IDRequest) (interface{}, error) {
				return result(svc.Delete(ctx, req.ID))
			}),
		},
		Streams: []grpc.StreamDesc{
			serverStreaming("List", func(ctx context.Context, _ *Empty, send func(interface{}) error) error {
				return svc.List(ctx, func(u *identity.User) error { return send(u) })
			}),
		},
	}
}

func serviceAccountsDesc(svc *identity.ServiceAccounts) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceAccountsService,
		Methods: []grpc.MethodDesc{
			unary(ServiceAccountsService, "Create", func(ctx context.Context, req *identity.CreateServiceAccountRequest) (interface{}, error) {
				return result(svc.Create(ctx, req))
			}),
			unary(ServiceAccountsService, "Get", func(ctx context.Context, req *IDRequest) (interface{}, error) {
				return result(svc.Get(ctx, req.ID))
			}),
			unary(ServiceAccountsService, "Update", func(ctx context.Context, req *identity.UpdateServiceAccountRequest) (interface{}, error) {
				return result(svc.Update(ctx, req))
			}),
			unary(ServiceAccountsService, "Delete", func(ctx context.Context, req *IDRequest) (interface{}, error) {
				return result(svc.Delete(ctx, req.ID))
			}),
		},
		Streams: []grpc.StreamDesc{
			serverStreaming("List", func(ctx context.Context, _ *Empty, send func(interface{}) error) error {
				return svc.List(ctx, func(sa *identity.ServiceAccount) error { return send(sa) })
			}),
		},
	}
}

func authenticationDesc(svc *identity.Authenticator) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: AuthenticationService,
		Methods: []grpc.MethodDesc{
			unary(AuthenticationService, "Login", func(ctx context.Context, req *identity.LoginRequest) (interface{}, error) {
				return result(svc.Login(ctx, req))
			}),
			unary(AuthenticationService, "Refresh", func(ctx context.Context, req *RefreshRequest) (interface{}, error) {
				return result(svc.Refresh(ctx, req.RefreshToken))
			}),
		},
	}
}

func groupsDesc(svc *identity.Groups) *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: GroupsService,
		Methods: []grpc.MethodDesc{
			unary(GroupsService, "Create", func(ctx context.Context, req *CreateGroupRequest) (interface{}, error) {
				return result(svc.Create(ctx, req.Name))
			}),
			unary(GroupsService, "Get", func(ctx context.Context, req *IDRequest) (interface{}, error) {
				return result(svc.Get(ctx, req.ID))
			}),
			unary(GroupsService, "Update", func(ctx context.Context, req *identity.UpdateGroupRequest) (interface{}, error) {
				return result(svc.Update(ctx, req))
			}),
			unary(GroupsService, "Delete", func(ctx context.Context, req *IDRequest) (interface{}, error) {
				return result(svc.Delete(ctx, req.ID))
			}),
			unary(GroupsService, "AddUser", func(ctx context.Context, req *identity.MembershipRequest) (interface{}, error) {
				if err := svc.AddUser(ctx, req); err != nil {
					return nil, err
				}
				return &Empty{}, nil
			}),
			unary(GroupsService, "DelUser", func(ctx context.Context, req *identity.MembershipRequest) (interface{}, error) {
				if err := svc.DelUser(ctx, req); err != nil {
					return nil, err
				}
				return &Empty{}, nil
			}),
		},
		Streams: []grpc.StreamDesc{
			serverStreaming("List", func(ctx context.Context, _ *Empty, send func(interface{}) error) error {
				return svc.List(ctx, func(g *identity.Group) error { return send(g) })
			}),
			serverStreaming("ListMembers", func(ctx context.Context, req *IDRequest, send func(interface{}) error) error {
				return svc.ListMembers(ctx, req.ID, func(m *identity.GroupMember) error { return send(m) })
			}),
		},
	}
}

package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// unary builds a method whose request decodes into a fresh *Req. The
// handler closes over the service, so descriptors carry no HandlerType.
func unary[Req any](service, method string, call func(ctx context.Context, req *Req) (interface{}, error)) grpc.MethodDesc {
	info := &grpc.UnaryServerInfo{FullMethod: FullMethod(service, method)}
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(_ interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			return interceptor(ctx, req, info, func(ctx context.Context, r interface{}) (interface{}, error) {
				return call(ctx, r.(*Req))
			})
		},
	}
}

// serverStreaming builds a method that reads one *Req and then sends any
// number of responses
func serverStreaming[Req any](method string, call func(ctx context.Context, req *Req, send func(interface{}) error) error) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
		Handler: func(_ interface{}, stream grpc.ServerStream) error {
			req := new(Req)
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			return call(stream.Context(), req, stream.SendMsg)
		},
	}
}

// result keeps a nil pointer from becoming a non-nil interface response
func result[T any](v *T, err error) (interface{}, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

package audit

import (
	"context"

	"google.golang.org/grpc"
)

// Targeted is implemented by requests that name what they act on. The
// target is recorded on the event; credentials never are.
type Targeted interface {
	AuditTarget() string
}

// UnaryServerInterceptor records an event for every call to a method in
// methods (full gRPC method name to event type) once the handler returns.
// It must run after authentication so the principal is known.
func UnaryServerInterceptor(logger Logger, methods map[string]EventType) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = WithLogger(ctx, logger)
		resp, err := handler(ctx, req)

		eventType, ok := methods[info.FullMethod]
		if !ok {
			return resp, err
		}
		event := NewEvent(ctx, eventType, err)
		event.Method = info.FullMethod
		if t, ok := req.(Targeted); ok {
			event.Target = t.AuditTarget()
		}
		// a failing sink never fails the call
		_ = logger.Log(ctx, event)
		return resp, err
	}
}

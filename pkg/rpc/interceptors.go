package rpc

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/contextkeys"
	"github.com/platinummonkey/keel/pkg/observability"
)

// RequestIDHeader carries a caller-chosen request id
const RequestIDHeader = "x-request-id"

// TokenVerifier validates bearer access tokens
type TokenVerifier interface {
	VerifyAccess(token string) (*auth.Claims, error)
}

// serverStream overrides the context of a wrapped stream
type serverStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *serverStream) Context() context.Context {
	return s.ctx
}

func withContext(ss grpc.ServerStream, ctx context.Context) grpc.ServerStream {
	if ws, ok := ss.(*serverStream); ok {
		ws.ctx = ctx
		return ws
	}
	return &serverStream{ServerStream: ss, ctx: ctx}
}

// requestContext tags ctx with the method and a request id, reusing the
// caller's x-request-id when present
func requestContext(ctx context.Context, method string) context.Context {
	requestID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(RequestIDHeader); len(ids) > 0 {
			requestID = ids[0]
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx = contextkeys.WithRequestID(ctx, requestID)
	return contextkeys.WithMethod(ctx, method)
}

// UnaryRequestIDInterceptor tags every call with a request id
func UnaryRequestIDInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx = requestContext(ctx, info.FullMethod)
		_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, contextkeys.GetRequestID(ctx)))
		return handler(ctx, req)
	}
}

// StreamRequestIDInterceptor tags every stream with a request id
func StreamRequestIDInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := requestContext(ss.Context(), info.FullMethod)
		_ = ss.SetHeader(metadata.Pairs(RequestIDHeader, contextkeys.GetRequestID(ctx)))
		return handler(srv, withContext(ss, ctx))
	}
}

// UnaryRecoveryInterceptor turns a handler panic into an Internal error
func UnaryRecoveryInterceptor(logger *observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if perr := observability.PanicError(logger.ForContext(ctx), info.FullMethod, recover()); perr != nil {
				resp, err = nil, ToStatus(apperr.Internal(perr, "handler panicked"))
			}
		}()
		return handler(ctx, req)
	}
}

// StreamRecoveryInterceptor turns a stream handler panic into an Internal
// error
func StreamRecoveryInterceptor(logger *observability.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if perr := observability.PanicError(logger.ForContext(ss.Context()), info.FullMethod, recover()); perr != nil {
				err = ToStatus(apperr.Internal(perr, "handler panicked"))
			}
		}()
		return handler(srv, ss)
	}
}

// metadataCarrier adapts incoming metadata for trace propagation
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) {
	metadata.MD(c).Set(key, value)
}

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func startSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		ctx = otel.GetTextMapPropagator().Extract(ctx, metadataCarrier(md))
	}
	service, name := splitMethod(method)
	return observability.Tracer().Start(ctx, method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", name),
		),
	)
}

func endSpan(span trace.Span, err error) {
	code := status.Code(err)
	span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}

func splitMethod(full string) (string, string) {
	full = strings.TrimPrefix(full, "/")
	if i := strings.LastIndex(full, "/"); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "", full
}

// UnaryTracingInterceptor wraps each call in a server span
func UnaryTracingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, span := startSpan(ctx, info.FullMethod)
		resp, err := handler(ctx, req)
		endSpan(span, err)
		return resp, err
	}
}

// StreamTracingInterceptor wraps each stream in a server span
func StreamTracingInterceptor() grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startSpan(ss.Context(), info.FullMethod)
		err := handler(srv, withContext(ss, ctx))
		endSpan(span, err)
		return err
	}
}

// UnaryLoggingInterceptor puts a request-scoped logger into the context,
// logs the outcome of every call and records RPC metrics. It expects
// errors already converted by the error interceptor.
func UnaryLoggingInterceptor(logger *observability.Logger, metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		reqLogger := observability.UpdateLoggerWithTraceContext(ctx, logger)
		ctx = observability.WithLogger(ctx, reqLogger)

		start := time.Now()
		resp, err := handler(ctx, req)
		took := time.Since(start)

		code := status.Code(err)
		metrics.ObserveRPC(info.FullMethod, code.String(), took)
		logCall(ctx, reqLogger, code.String(), took, err)
		return resp, err
	}
}

// StreamLoggingInterceptor is UnaryLoggingInterceptor for streams. It also
// tracks the number of open streams.
func StreamLoggingInterceptor(logger *observability.Logger, metrics *observability.Metrics) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		reqLogger := observability.UpdateLoggerWithTraceContext(ctx, logger)
		ctx = observability.WithLogger(ctx, reqLogger)

		active := metrics.RPCStreamsActive.WithLabelValues(info.FullMethod)
		active.Inc()
		defer active.Dec()

		start := time.Now()
		err := handler(srv, withContext(ss, ctx))
		took := time.Since(start)

		code := status.Code(err)
		metrics.RPCRequestsTotal.WithLabelValues(info.FullMethod, code.String()).Inc()
		logCall(ctx, reqLogger, code.String(), took, err)
		return err
	}
}

func logCall(ctx context.Context, logger *observability.Logger, code string, took time.Duration, err error) {
	entry := logger.ForContext(ctx).WithFields(map[string]interface{}{
		"code":        code,
		"duration_ms": took.Milliseconds(),
	})
	if err == nil {
		entry.Debug("RPC completed")
		return
	}
	if c := status.Code(err); c == codes.Internal || c == codes.Unknown {
		entry.WithError(err).Error("RPC failed")
		return
	}
	entry.WithError(err).Info("RPC rejected")
}

// UnaryErrorInterceptor maps service errors to gRPC status codes. Internal
// errors are logged with their cause before it is hidden from the caller.
func UnaryErrorInterceptor(logger *observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			logInternal(ctx, logger, err)
			return nil, ToStatus(err)
		}
		return resp, nil
	}
}

// StreamErrorInterceptor maps stream errors to gRPC status codes, so a
// failed stream always ends with a status rather than a silent close
func StreamErrorInterceptor(logger *observability.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		err := handler(srv, ss)
		if err != nil {
			logInternal(ss.Context(), logger, err)
			return ToStatus(err)
		}
		return nil
	}
}

func logInternal(ctx context.Context, logger *observability.Logger, err error) {
	if _, ok := status.FromError(err); ok {
		return
	}
	if apperr.KindOf(err) == apperr.KindInternal && ctx.Err() == nil {
		logger.ForContext(ctx).WithError(err).Error("Internal error")
	}
}

// bearerToken extracts the token from "authorization: Bearer <token>"
func bearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", apperr.Auth("missing authorization metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", apperr.Auth("missing authorization metadata")
	}
	parts := strings.SplitN(values[0], " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", apperr.Auth("invalid authorization format")
	}
	return parts[1], nil
}

func authenticate(ctx context.Context, verifier TokenVerifier, method string, public map[string]bool) (context.Context, error) {
	if public[method] || strings.HasPrefix(method, healthPrefix) {
		return ctx, nil
	}
	token, err := bearerToken(ctx)
	if err != nil {
		return nil, err
	}
	claims, err := verifier.VerifyAccess(token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAuth, err, "invalid or expired token")
	}
	return auth.WithClaims(ctx, claims), nil
}

// the standard health service is always public
const healthPrefix = "/grpc.health.v1.Health/"

// PublicMethods are callable without a bearer token
var PublicMethods = map[string]bool{
	FullMethod(AuthenticationService, "Login"):   true,
	FullMethod(AuthenticationService, "Refresh"): true,
}

// UnaryAuthInterceptor requires a valid access token on every method not
// in public and stores the claims in the context
func UnaryAuthInterceptor(verifier TokenVerifier, public map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := authenticate(ctx, verifier, info.FullMethod, public)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is UnaryAuthInterceptor for streams
func StreamAuthInterceptor(verifier TokenVerifier, public map[string]bool) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticate(ss.Context(), verifier, info.FullMethod, public)
		if err != nil {
			return err
		}
		return handler(srv, withContext(ss, ctx))
	}
}

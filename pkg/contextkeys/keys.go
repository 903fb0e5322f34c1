// Package contextkeys provides centralized context key definitions
//
// All context keys shared between packages are defined here so that the
// interceptors that set them and the services that read them agree on
// one typed key.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/keel/pkg/contextkeys"
//	ctx = contextkeys.WithPrincipal(ctx, claims)
//	claims, ok := ctx.Value(contextkeys.PrincipalKey).(*auth.Claims)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// PrincipalKey contains *auth.Claims
	// Set by: rpc.AuthInterceptor (pkg/rpc/interceptors.go)
	// Required by: every catalog and idp service method except Login/Refresh
	// Type: *auth.Claims
	PrincipalKey Key = "principal"

	// RequestIDKey contains request ID string (UUID)
	// Set by: rpc.RequestIDInterceptor, observability layer
	// Used by: Logger, audit trail
	// Type: string
	RequestIDKey Key = "request_id"

	// UserIDKey contains the authenticated principal id
	// Set by: rpc.AuthInterceptor after token validation
	// Used by: Logger, audit trail
	// Type: string
	UserIDKey Key = "user_id"

	// MethodKey contains the full gRPC method name
	// Set by: rpc.RequestIDInterceptor
	// Used by: Logger, metrics
	// Type: string
	MethodKey Key = "method"

	// LoggerKey contains *observability.Logger
	// Set by: rpc.LoggingInterceptor
	// Used by: services that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"

	// AuditLoggerKey contains audit.Logger interface
	// Set by: server bootstrap (cmd/keel)
	// Used by: identity services recording auth events
	// Type: audit.Logger
	AuditLoggerKey Key = "audit_logger"
)

// WithPrincipal adds the authenticated principal to the context
func WithPrincipal(ctx context.Context, principal interface{}) context.Context {
	return context.WithValue(ctx, PrincipalKey, principal)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithUserID adds user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// WithMethod adds the RPC method name to the context
func WithMethod(ctx context.Context, method string) context.Context {
	return context.WithValue(ctx, MethodKey, method)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// WithAuditLogger adds audit logger to the context
func WithAuditLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetUserID retrieves user ID from context
func GetUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(UserIDKey).(string); ok {
		return userID
	}
	return ""
}

// GetMethod retrieves the RPC method name from context
func GetMethod(ctx context.Context) string {
	if method, ok := ctx.Value(MethodKey).(string); ok {
		return method
	}
	return ""
}

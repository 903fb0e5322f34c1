package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/contextkeys"
)

// Logger records audit events
type Logger interface {
	Log(ctx context.Context, event *Event) error
	// Close flushes buffered events
	Close() error
}

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return contextkeys.WithAuditLogger(ctx, logger)
}

// FromContext returns the audit logger in ctx, or one that drops
// everything
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(contextkeys.AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NopLogger{}
}

// NopLogger drops every event
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }
func (NopLogger) Close() error                                { return nil }

// NewEvent builds an event for eventType carrying the request id, method
// and principal found in ctx
func NewEvent(ctx context.Context, eventType EventType, err error) *Event {
	event := &Event{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		Status:      StatusOf(err),
		PrincipalID: contextkeys.GetUserID(ctx),
		RequestID:   contextkeys.GetRequestID(ctx),
		Method:      contextkeys.GetMethod(ctx),
	}
	if err != nil {
		event.Error = err.Error()
	}
	return event
}

// StatusOf maps an operation error to an event status
func StatusOf(err error) EventStatus {
	switch {
	case err == nil:
		return EventStatusSuccess
	case apperr.KindOf(err) == apperr.KindPermissionDenied:
		return EventStatusDenied
	default:
		return EventStatusFailure
	}
}

// Record logs eventType with the audit logger in ctx
func Record(ctx context.Context, eventType EventType, target string, err error) error {
	event := NewEvent(ctx, eventType, err)
	event.Target = target
	return FromContext(ctx).Log(ctx, event)
}

package audit

import (
	"context"

	"github.com/platinummonkey/keel/pkg/observability"
)

// LogSink writes audit events as structured log lines
type LogSink struct {
	logger *observability.Logger
}

// NewLogSink creates a sink writing through logger
func NewLogSink(logger *observability.Logger) *LogSink {
	return &LogSink{logger: logger.WithComponent("audit")}
}

func (s *LogSink) Log(ctx context.Context, event *Event) error {
	fields := map[string]interface{}{
		"event_type": string(event.EventType),
		"status":     string(event.Status),
		"timestamp":  event.Timestamp,
	}
	for k, v := range map[string]string{
		"principal_id": event.PrincipalID,
		"target":       event.Target,
		"request_id":   event.RequestID,
		"method":       event.Method,
		"error":        event.Error,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	for k, v := range event.Metadata {
		fields["meta_"+k] = v
	}

	msg := event.Message
	if msg == "" {
		msg = "audit event"
	}
	s.logger.WithFields(fields).Info(msg)
	return nil
}

func (s *LogSink) Close() error { return nil }

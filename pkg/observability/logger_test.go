package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/platinummonkey/keel/pkg/contextkeys"
)

type logEntry struct {
	Level     string `json:"level"`
	Message   string `json:"msg"`
	Error     string `json:"error"`
	Component string `json:"component"`
	RequestID string `json:"request_id"`
	Method    string `json:"method"`
	Principal string `json:"principal"`
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) logEntry {
	t.Helper()
	var entry logEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message should not be logged at Info level")
	}

	logger.Warnf("lock %s contended", "jobs")
	entry := decodeEntry(t, &buf)
	if entry.Level != "WARN" {
		t.Errorf("Expected level WARN, got %s", entry.Level)
	}
	if entry.Message != "lock jobs contended" {
		t.Errorf("Unexpected message %q", entry.Message)
	}
}

func TestLogger_WithErrorAndComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithComponent("events").WithError(errors.New("subscriber too slow")).Error("dropped subscriber")

	entry := decodeEntry(t, &buf)
	if entry.Component != "events" {
		t.Errorf("Expected component events, got %q", entry.Component)
	}
	if entry.Error != "subscriber too slow" {
		t.Errorf("Expected error field, got %q", entry.Error)
	}

	if logger.WithError(nil) != logger {
		t.Error("WithError(nil) should return the same logger")
	}
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = contextkeys.WithRequestID(ctx, "req-1")
	ctx = contextkeys.WithMethod(ctx, "/keel.catalog.Resources/Get")
	ctx = contextkeys.WithUserID(ctx, "user-1")

	FromContext(ctx).Info("handled")

	entry := decodeEntry(t, &buf)
	if entry.RequestID != "req-1" || entry.Method != "/keel.catalog.Resources/Get" || entry.Principal != "user-1" {
		t.Errorf("context fields missing: %+v", entry)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}

	var level LogLevel
	if err := level.UnmarshalText([]byte("error")); err != nil || level != ErrorLevel {
		t.Errorf("UnmarshalText() = %v, %v", level, err)
	}
	if LogLevel(42).String() != "INFO" {
		t.Error("out of range level should render as INFO")
	}
}

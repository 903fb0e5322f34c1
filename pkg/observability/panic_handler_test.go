package observability

import (
	"bytes"
	"strings"
	"testing"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	func() {
		defer RecoverPanic(logger, "worker")
		panic("boom")
	}()

	if !strings.Contains(buf.String(), "PANIC recovered") || !strings.Contains(buf.String(), "boom") {
		t.Errorf("panic not logged: %s", buf.String())
	}
}

func TestPanicError(t *testing.T) {
	logger := NewNopLogger()

	if err := PanicError(logger, "handler", nil); err != nil {
		t.Errorf("expected nil for nil recover value, got %v", err)
	}

	var err error
	func() {
		defer func() { err = PanicError(logger, "handler", recover()) }()
		panic("index out of range")
	}()
	if err == nil || !strings.Contains(err.Error(), "index out of range") {
		t.Errorf("unexpected error %v", err)
	}
}

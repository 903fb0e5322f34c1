package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with its stack trace.
// Call it directly in a defer statement:
//
//	defer observability.RecoverPanic(logger, "event relay")
//
// The panic is not re-raised.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// PanicError converts a recovered value into an error after logging it.
// It returns nil when r is nil, so it is safe to call unconditionally:
//
//	defer func() { err = observability.PanicError(logger, "handler", recover()) }()
func PanicError(logger *Logger, where string, r interface{}) error {
	if r == nil {
		return nil
	}
	logPanic(logger, where, r)
	return fmt.Errorf("panic in %s: %v", where, r)
}

func logPanic(logger *Logger, where string, r interface{}) {
	logger.WithFields(map[string]interface{}{
		"panic":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}

// Package recovery keeps a panicking goroutine or request handler from
// taking the whole process down.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is produced by RecoverToError.
type PanicError struct {
	Name  string
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Name, e.Value)
}

// RecoverWithLog recovers from panics and logs them. Defer it first thing
// in long-lived goroutines:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "relay.pump")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, debug.Stack())
	}
}

// RecoverWithCallback recovers, logs and hands the value to callback.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r, debug.Stack())
		if callback != nil {
			callback(r)
		}
	}
}

// RecoverToError converts a panic into a *PanicError stored in *errp.
// The server uses it so a faulty handler fails one request, not the
// connection.
func RecoverToError(errp *error, name string) {
	if r := recover(); r != nil {
		*errp = &PanicError{Name: name, Value: r, Stack: debug.Stack()}
	}
}

// Go runs fn in a new goroutine guarded by RecoverWithLog.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r interface{}, stack []byte) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(stack))
}

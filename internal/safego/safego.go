// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"log/slog"
	"runtime/debug"
)

// Go launches fn in a new goroutine. A panic in fn is recovered and logged with
// the task name instead of crashing the process.
func Go(task string, fn func()) {
	go Run(task, fn)
}

// Run calls fn on the current goroutine with the same recovery as Go. It
// reports whether fn returned without panicking.
func Run(task string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recovered panic in background task",
				"task", task, "panic", r, "stack", string(debug.Stack()))
			ok = false
		}
	}()
	fn()
	return true
}

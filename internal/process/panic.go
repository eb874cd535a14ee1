// Package process installs the relay's process-wide panic contract: any
// panic, wherever it occurs, logs and terminates the process with a
// non-zero exit code rather than being silently absorbed.
package process

import (
	"log/slog"
	"os"
)

// ExitOnPanic recovers a panic on the calling goroutine, logs it, and exits
// the process with status 1. Call it deferred from main and from every
// goroutine the relay spawns (ingesters, the fan-out consumer), so a panic
// anywhere brings the whole process down instead of leaving it half-alive.
func ExitOnPanic() {
	if r := recover(); r != nil {
		slog.Error("unrecovered panic, exiting", "panic", r)
		os.Exit(1)
	}
}

// Command afspm runs the processes of an automated microscopy experiment:
// the scheduler (cache relay and control router), a device translator, an
// automated scanner, a websocket monitor, and a one-shot control client.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Build information
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		slog.Error("afspm failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

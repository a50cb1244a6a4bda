package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// interruptContext returns a context for activity ("upload", "login", ...)
// that cancels on the first SIGINT/SIGTERM and force-exits on the second.
// After the first signal the command finishes the item in flight and its
// deferred backend Close still writes the cookie jar; the second exits
// without saving, so a rotated refresh cookie may be lost.
func (cc *CLIContext) interruptContext(parent context.Context, activity string) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			cc.Logger.Info("interrupt received, stopping",
				slog.String("signal", sig.String()),
				slog.String("activity", activity),
			)
			cc.Statusf("Interrupted: stopping %s and saving the session (again to force quit).\n", activity)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			cc.Logger.Warn("second interrupt, exiting without saving session cookies",
				slog.String("signal", sig.String()),
				slog.String("activity", activity),
			)
			os.Exit(1)
		case <-parent.Done():
			return
		}
	}()

	return ctx
}

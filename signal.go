package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitFunc is os.Exit, swapped in tests.
var exitFunc = os.Exit

// shutdownContext returns a context that cancels on the first SIGINT or
// SIGTERM and force-exits on the second. The first signal lets in-flight
// uploads finish their ledger writes; the second abandons a hung connection.
// what names the interrupted work in the log. Call stop once the work is
// done to release the signal handler.
func shutdownContext(parent context.Context, logger *slog.Logger, what string) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, stopping",
				slog.String("signal", sig.String()),
				slog.String("work", what),
			)
			cancel()
		case <-done:
			return
		case <-parent.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
				slog.String("work", what),
			)
			exitFunc(1)
		case <-done:
		case <-parent.Done():
		}
	}()

	stop = func() {
		select {
		case <-done:
		default:
			close(done)
		}

		cancel()
	}

	return ctx, stop
}

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/woliveiras/pibackup/pkg/logging"
)

// notifyInterrupt returns a context cancelled by the first SIGINT or
// SIGTERM. Later signals are swallowed so teardown can run to completion.
func notifyInterrupt(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		logger := logging.GetLogger("cli")
		interrupted := false
		for {
			select {
			case sig := <-sigs:
				if interrupted {
					logger.Warn().Str("signal", sig.String()).Msg("Cleanup in progress, signal ignored")
					continue
				}
				interrupted = true
				logger.Warn().Str("signal", sig.String()).Msg("Interrupted, stopping after the current stage and cleaning up")
				cancel()
			case <-done:
				return
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

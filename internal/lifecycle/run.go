// Package lifecycle runs a service process: bootstrap, start, wait for a
// signal or a crash, then stop with a deadline.
package lifecycle

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Runner is the application lifecycle.
// Start launches the service and blocks until it stops.
// Stop performs a graceful shutdown.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Builder constructs the application and returns a cleanup function that
// releases whatever Stop does not.
type Builder func() (Runner, func(), error)

// Run bootstraps, starts and stops the application. It returns a process
// exit code.
func Run(build Builder, sigCh <-chan os.Signal, stopWait time.Duration, lg zerolog.Logger) int {
	app, cleanup, err := build()
	if err != nil {
		lg.Error().Err(err).Msg("bootstrap failed")
		return 1
	}
	if cleanup != nil {
		defer cleanup()
	}
	if stopWait <= 0 {
		stopWait = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		lg.Info().Msg("starting")
		err := app.Start(ctx)
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		errCh <- err
	}()

	code := 0
	select {
	case sig := <-sigCh:
		lg.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			lg.Error().Err(err).Msg("app crashed")
			code = 1
		} else {
			lg.Info().Msg("app exited")
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopWait)
	defer stopCancel()

	if err := app.Stop(stopCtx); err != nil {
		lg.Error().Err(err).Msg("graceful stop failed")
		return 1
	}

	lg.Info().Msg("shutdown complete")
	return code
}

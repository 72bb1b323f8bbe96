package startup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/hurricanerix/loom/internal/logging"
)

// Service is a long-running component stopped by cancelling its context.
type Service interface {
	Run(ctx context.Context) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f ServiceFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts every service and blocks until ctx is cancelled, SIGINT or
// SIGTERM arrives, or one service fails. The others are then stopped and
// waited for.
//
// Returns nil on clean shutdown, the first service error otherwise.
func Run(ctx context.Context, logger *logging.Logger, services ...Service) error {
	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(shutdownCtx)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			err := svc.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("Shut down cleanly")
	return nil
}

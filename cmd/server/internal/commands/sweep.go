package commands

import (
	"context"
	"fmt"

	"github.com/gatherkit/gatherd/internal/clock"
	"github.com/gatherkit/gatherd/internal/events"
	"github.com/gatherkit/gatherd/internal/logger"
	"github.com/gatherkit/gatherd/internal/session"
	"github.com/gatherkit/gatherd/internal/sweeper"
)

// SweepCmd runs a single expiry sweep against the configured store and
// exits. Useful for cron-driven deployments that don't run the server's
// periodic sweeper.
type SweepCmd struct {
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
	Limit         int                `help:"max sessions ended in this run" default:"100" env:"GATHERD_SWEEP_LIMIT"`
}

func (c *SweepCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	sessionStore, cleanup, err := buildStore(ctx, "postgres", &c.PostgresStore, log)
	if err != nil {
		return err
	}
	defer cleanup()

	clk := clock.NewSystem()
	svc := session.NewService(sessionStore, events.NopPublisher{}, clk)

	sw := sweeper.New(sessionStore, svc.Lifecycle(), clk, sweeper.WithBatchLimit(c.Limit))
	ended, err := sw.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	log.Info().Int("ended", ended).Msg("Sweep completed")
	return nil
}

package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatherkit/gatherd/internal/clock"
	"github.com/gatherkit/gatherd/internal/events"
	"github.com/gatherkit/gatherd/internal/logger"
	"github.com/gatherkit/gatherd/internal/session"
	"github.com/gatherkit/gatherd/internal/store"
	memorystore "github.com/gatherkit/gatherd/internal/store/memory"
	postgresstore "github.com/gatherkit/gatherd/internal/store/postgres"
	"github.com/gatherkit/gatherd/internal/sweeper"
	"github.com/gatherkit/gatherd/internal/telemetry"
	transporthttp "github.com/gatherkit/gatherd/internal/transport/http"
)

type ServerCmd struct {
	// Server configuration
	Listen      string   `help:"HTTP server listen address" default:"0.0.0.0:8080" env:"GATHERD_LISTEN"`
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"http://localhost:3000" env:"GATHERD_CORS_ORIGINS"`

	// Operational modes
	Tracing bool `help:"enable tracing and metrics export" default:"false" env:"GATHERD_TRACING"`

	// Store configuration
	StoreType     string             `help:"store type (memory or postgres)" default:"memory" env:"GATHERD_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`

	// Capacity and lifecycle configuration
	WaitlistTTL   time.Duration `help:"how long a waitlist entry stays eligible for promotion" default:"30m" env:"GATHERD_WAITLIST_TTL"`
	SweepInterval time.Duration `help:"interval between expiry sweeps" default:"5m" env:"GATHERD_SWEEP_INTERVAL"`
	SweepLimit    int           `help:"max sessions ended per sweep run" default:"100" env:"GATHERD_SWEEP_LIMIT"`
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32 `help:"maximum number of connections in pool" default:"20"`
	MinConns        int32 `help:"minimum number of connections in pool" default:"5"`
	MaxConnLifetime int32 `help:"maximum connection lifetime in seconds" default:"3600"`
	MaxConnIdleTime int32 `help:"maximum connection idle time in seconds" default:"1800"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"GATHERD_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresStoreFlags) config() *postgresstore.Config {
	return &postgresstore.Config{
		ConnString:      s.ConnString,
		MaxConns:        s.MaxConns,
		MinConns:        s.MinConns,
		MaxConnLifetime: s.MaxConnLifetime,
		MaxConnIdleTime: s.MaxConnIdleTime,
		AutoMigrate:     s.AutoMigrate,
	}
}

func (c *ServerCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	// Setup telemetry if enabled
	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "gatherd-server", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	sessionStore, cleanup, err := buildStore(ctx, c.StoreType, &c.PostgresStore, log)
	if err != nil {
		return err
	}
	defer cleanup()

	fanout := events.NewFanoutPublisher()
	defer fanout.Close()

	clk := clock.NewSystem()
	svc := session.NewService(sessionStore, fanout, clk, session.WithWaitlistTTL(c.WaitlistTTL))

	sw := sweeper.New(sessionStore, svc.Lifecycle(), clk,
		sweeper.WithInterval(c.SweepInterval),
		sweeper.WithBatchLimit(c.SweepLimit))
	sw.Start()
	defer sw.Stop()

	handler := transporthttp.NewServer(svc, sw, fanout, log).Handler(c.CORSOrigins)
	srv := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// buildStore creates the configured session store. The returned cleanup
// func is safe to call even when setup partially failed.
func buildStore(ctx context.Context, storeType string, flags *PostgresStoreFlags, log zerolog.Logger) (store.SessionStore, func(), error) {
	switch storeType {
	case "postgres":
		pg, err := postgresstore.NewSessionStore(ctx, flags.config())
		if err != nil {
			return nil, func() {}, fmt.Errorf("failed to create postgres store: %w", err)
		}
		if err := pg.Start(); err != nil {
			return nil, func() {}, err
		}
		log.Info().Msg("Using PostgreSQL session store")
		return pg, func() {
			if err := pg.Stop(); err != nil {
				log.Error().Err(err).Msg("Failed to stop session store")
			}
		}, nil
	default:
		log.Info().Msg("Using in-memory session store")
		return memorystore.NewSessionStore(), func() {}, nil
	}
}

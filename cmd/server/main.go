/*
main.go - Application entry point

PURPOSE:
  The punch-ledger binary: HTTP server plus operator commands that work
  against the same store.

COMMANDS:
  serve                  HTTP API and recovery scheduler
  punch                  Report one punch from the shell
  history <order>        Punch history, grouped by operation
  export <order>         CSV to stdout, a file, or S3 (--s3)
  reconcile              One recovery sweep
  seed <fixture.yaml>    Load YAML seed data
  token <employee>       Issue an actor token (needs auth.jwt_secret)

CONFIGURATION:
  --config points at a TOML file (default punch.toml, optional).
  PUNCH_* environment variables override it; see config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (server.shutdown_timeout)
  3. Stop the recovery scheduler
  4. Close event sinks and the database

EXAMPLES:
  # Serve with a SQLite file
  PUNCH_DB_DSN=./data/punch.db punch-ledger serve

  # Seed, punch and look
  punch-ledger seed fixtures/testdata/plant.yaml
  punch-ledger punch --order WO-1001 --op 1 --actor E-100 --produced 5
  punch-ledger history WO-1001

SEE ALSO:
  - app.go: Store, reporter and sink wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/warp/punch-ledger/api"
	"github.com/warp/punch-ledger/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "punch-ledger",
		Short:         "Production punch reconciliation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "punch.toml", "path to TOML config")

	// load builds the app for one command; the caller closes it.
	load := func(cmd *cobra.Command) (*app, error) {
		cfg, err := config.Load(configPath, config.Default())
		if err != nil {
			return nil, err
		}
		logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
		return newApp(cmd.Context(), cfg, logger)
	}

	root.AddCommand(serveCmd(load))
	root.AddCommand(punchCmd(load))
	root.AddCommand(historyCmd(load))
	root.AddCommand(exportCmd(load))
	root.AddCommand(reconcileCmd(load))
	root.AddCommand(seedCmd(load))
	root.AddCommand(tokenCmd(load))
	return root
}

type loader func(cmd *cobra.Command) (*app, error)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and recovery scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	cfg := a.cfg

	scheduler := api.NewRecoveryScheduler(a.recoverer, cfg.Recovery.Interval.Duration)
	scheduler.Enabled = cfg.Recovery.Enabled
	scheduler.Logger = a.logger

	handler := api.NewHandler(a.store, a.reporter, scheduler)
	handler.Logger = a.logger
	handler.EnableFixtures = cfg.Server.EnableFixtures
	if a.archiver != nil {
		handler.Archiver = a.archiver
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("server starting", "addr", cfg.Server.Addr, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		scheduler.Start()
		<-ctx.Done()
		scheduler.Stop()
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}

// parseAt accepts RFC3339 or empty.
func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at, expected RFC3339: %w", err)
	}
	return t.UTC(), nil
}

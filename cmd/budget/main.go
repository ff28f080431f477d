package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"budget/internal/amqp"
	"budget/internal/cli"
	"budget/internal/config"
	apphttp "budget/internal/http"
	applog "budget/internal/log"
	"budget/internal/migration"
	"budget/internal/storage"
)

func main() {
	cli.LoadEnvFile()
	cfg := config.Load()
	logger := cli.SetupLogger(cfg.LogLevel)
	cli.ValidateConfig(logger, cfg)

	ctx, stop := cli.ShutdownContext(logger)
	defer stop()

	db := cli.OpenStorage(logger, cfg.SQLiteDBPath)
	defer db.Close()

	// The schema must be current before the listener is bound.
	migrator, report := cli.RunStartupMigration(ctx, logger, db, cfg.AssignOrphans)
	version := cli.EnsureSchema(logger, db)
	publishSchemaEvent(ctx, logger, cfg, report, version)

	srv := apphttp.NewServer(":"+cfg.Port, migrator, storage.NewRepository(db), logger)

	// Configure server timeouts and limits
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting budget server",
			"port", cfg.Port,
			applog.FieldDBPath, db.Path(),
			applog.FieldState, migrator.State())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen on port %s: %w", cfg.Port, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", applog.FieldError, err)
		db.Close()
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

// publishSchemaEvent announces the schema state to background consumers.
// The broker is optional; any failure is logged and ignored.
func publishSchemaEvent(ctx context.Context, logger *applog.Logger, cfg *config.Config, report migration.Report, version uint) {
	if cfg.AMQPURL == "" {
		return
	}
	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, logger)
	if err != nil {
		logger.Warn("AMQP unavailable, schema event not published", applog.FieldError, err)
		return
	}
	defer client.Close()

	if err := client.PublishSchemaEvent(ctx, amqp.NewSchemaEvent(report, version)); err != nil {
		logger.Warn("Failed to publish schema event", applog.FieldError, err, applog.FieldRunID, report.RunID)
	}
}

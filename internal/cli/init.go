// Package cli provides common CLI initialization utilities.
// This package consolidates repeated initialization patterns across
// cmd/budget and cmd/budget-migrate.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"budget/internal/config"
	applog "budget/internal/log"
	"budget/internal/migration"
	"budget/internal/storage"
)

// SetupLogger initializes structured logging at the given level and sets it
// as the default logger.
func SetupLogger(level string) *applog.Logger {
	logger := applog.New(applog.Config{
		Level:     applog.ParseLevel(level),
		Component: applog.ComponentApp,
		Output:    os.Stdout,
	})
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// ValidateConfig exits the process when the configuration is invalid.
func ValidateConfig(logger *applog.Logger, cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", applog.FieldError, err)
		os.Exit(1)
	}
}

// OpenStorage opens the database handle or exits the process on failure.
func OpenStorage(logger *applog.Logger, dbPath string) *storage.DB {
	db, err := storage.Open(dbPath)
	if err != nil {
		logger.Error("Failed to open database", applog.FieldError, err, applog.FieldDBPath, dbPath)
		os.Exit(1)
	}
	return db
}

// RunStartupMigration evolves the database before anything else uses it.
// It never fails: the report says how it went.
func RunStartupMigration(ctx context.Context, logger *applog.Logger, db *storage.DB, assignOrphans bool) (*migration.Migrator, migration.Report) {
	m := migration.New(db, logger, migration.Options{AssignOrphans: assignOrphans})
	// A shutdown signal must not cut the run short between steps.
	return m, m.Run(context.WithoutCancel(ctx))
}

// EnsureSchema creates what the migration left absent and returns the
// resulting schema version. A failure is logged; the process keeps going
// with whatever schema exists.
func EnsureSchema(logger *applog.Logger, db *storage.DB) uint {
	if err := storage.EnsureSchema(db.Path()); err != nil {
		logger.Warn("Failed to ensure latest schema", applog.FieldError, err, applog.FieldDBPath, db.Path())
	}
	version, dirty, err := storage.SchemaVersion(db.Path())
	if err != nil {
		logger.Warn("Failed to read schema version", applog.FieldError, err)
		return 0
	}
	if dirty {
		logger.Warn("Schema version is dirty", "version", version)
	}
	return version
}

// ShutdownContext returns a context cancelled on SIGINT or SIGTERM.
func ShutdownContext(logger *applog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

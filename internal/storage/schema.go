package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// newMigrate opens a dedicated connection so golang-migrate can own and
// close it without touching the shared handle.
func newMigrate(dbPath string) (*migrate.Migrate, func(), error) {
	migrateDB, err := sql.Open(driverName, dsn(dbPath))
	if err != nil {
		return nil, nil, fmt.Errorf("open migration database: %w", err)
	}

	driver, err := sqlite.WithInstance(migrateDB, &sqlite.Config{})
	if err != nil {
		migrateDB.Close()
		return nil, nil, fmt.Errorf("create sqlite driver: %w", err)
	}

	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		migrateDB.Close()
		return nil, nil, fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		migrateDB.Close()
		return nil, nil, fmt.Errorf("create migrate instance: %w", err)
	}

	closeFn := func() {
		m.Close()
		migrateDB.Close()
	}
	return m, closeFn, nil
}

// EnsureSchema creates every table and index of the latest shape that is
// still missing. All statements are IF NOT EXISTS, so it is safe against
// legacy files once the startup migrator has evolved them.
func EnsureSchema(dbPath string) error {
	m, closeFn, err := newMigrate(dbPath)
	if err != nil {
		return err
	}
	defer closeFn()

	err = m.Up()
	var dirty migrate.ErrDirty
	if errors.As(err, &dirty) {
		// A previous start failed halfway through a version. Every file is
		// idempotent, so step back and replay it.
		prev := dirty.Version - 1
		if prev < 1 {
			prev = database.NilVersion
		}
		slog.Warn("Schema version left dirty, replaying", "version", dirty.Version)
		if err := m.Force(prev); err != nil {
			return fmt.Errorf("force schema version %d: %w", prev, err)
		}
		err = m.Up()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run schema migrations: %w", err)
	}

	return nil
}

// SchemaVersion reports the golang-migrate version recorded in the file;
// zero means no version has been applied yet.
func SchemaVersion(dbPath string) (uint, bool, error) {
	m, closeFn, err := newMigrate(dbPath)
	if err != nil {
		return 0, false, err
	}
	defer closeFn()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

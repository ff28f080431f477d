package migration

import (
	"context"
	"errors"
	"fmt"

	applog "budget/internal/log"
	"budget/internal/storage"
)

// missingTables are created in their current shape when a legacy file
// predates them.
var missingTables = []struct {
	name string
	ddl  string
}{
	{"users", `CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		email TEXT,
		is_system INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`},
	{"budgets", `CREATE TABLE IF NOT EXISTS budgets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category_id INTEGER NOT NULL REFERENCES categories(id),
		month TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		user_id INTEGER REFERENCES users(id)
	)`},
}

func (m *Migrator) createMissingTables(ctx context.Context) (int64, error) {
	in := m.introspector(m.db)
	var (
		created int64
		errs    []error
	)
	for _, t := range missingTables {
		if in.TableExists(ctx, t.name) {
			continue
		}
		if _, err := m.db.ExecContext(ctx, t.ddl); err != nil {
			m.log.WarnContext(ctx, "Failed to create table",
				applog.NewFields().WithOperation(applog.OpCreate).WithTable(t.name, "").WithError(err).ToSlice()...)
			errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
			continue
		}
		m.log.InfoContext(ctx, "Created table",
			applog.NewFields().WithOperation(applog.OpCreate).WithTable(t.name, "").ToSlice()...)
		created++
	}
	if created > 0 {
		m.persist(ctx)
	}
	return created, errors.Join(errs...)
}

// ownerIndexes indexes the owner column of every owned table that has one.
func (m *Migrator) ownerIndexes(ctx context.Context) (int64, error) {
	in := m.introspector(m.db)
	var (
		created int64
		errs    []error
	)
	for _, table := range storage.OwnedTables {
		if !in.ColumnExists(ctx, table, ownerColumn) {
			continue
		}
		name := "idx_" + table + "_user_id"
		if m.indexExists(ctx, name) {
			continue
		}
		stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(user_id)", quoteIdent(name), quoteIdent(table))
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		created++
	}
	if created > 0 {
		m.persist(ctx)
	}
	return created, errors.Join(errs...)
}

func (m *Migrator) indexExists(ctx context.Context, name string) bool {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`, name).Scan(&n)
	return err == nil && n > 0
}

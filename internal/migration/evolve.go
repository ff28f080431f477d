package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	applog "budget/internal/log"
)

// columnSpec is a column that legacy files may lack.
type columnSpec struct {
	table  string
	column string
	decl   string
}

// legacyColumns are added in order when their table exists.
var legacyColumns = []columnSpec{
	{"transactions", "notes", "TEXT"},
	{"transactions", "user_id", "INTEGER"},
	{"categories", "type", "TEXT"},
	{"categories", "icon", "TEXT"},
	{"categories", "user_id", "INTEGER"},
	{"methods", "icon", "TEXT"},
	{"methods", "user_id", "INTEGER"},
	{"users", "email", "TEXT"},
	{"users", "is_system", "INTEGER DEFAULT 0"},
	{"budgets", "user_id", "INTEGER"},
}

var (
	errTableMissing       = errors.New("table does not exist")
	errNotNullWithoutDflt = errors.New("NOT NULL column needs a DEFAULT to be added to an existing table")
)

// EnsureColumn adds column to table when it is missing. It returns true only
// if the column was added; failures are logged and reported as false.
func (m *Migrator) EnsureColumn(ctx context.Context, table, column, decl string) bool {
	added, err := m.ensureColumn(ctx, table, column, decl)
	if err != nil {
		m.log.WarnContext(ctx, "Failed to add column",
			applog.NewFields().WithOperation(applog.OpAddColumn).WithTable(table, column).WithError(err).
				ToSlice()...)
		return false
	}
	return added
}

func (m *Migrator) ensureColumn(ctx context.Context, table, column, decl string) (bool, error) {
	in := m.introspector(m.db)
	if in.ColumnExists(ctx, table, column) {
		return false, nil
	}
	if !in.TableExists(ctx, table) {
		return false, errTableMissing
	}
	upper := strings.ToUpper(decl)
	if strings.Contains(upper, "NOT NULL") && !strings.Contains(upper, "DEFAULT") {
		return false, errNotNullWithoutDflt
	}

	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(column), decl)
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return false, fmt.Errorf("alter table: %w", err)
	}

	m.log.InfoContext(ctx, "Added column",
		applog.NewFields().WithOperation(applog.OpAddColumn).WithTable(table, column).ToSlice()...)
	m.persist(ctx)
	return true, nil
}

// addColumns adds every missing legacy column of the tables that exist.
func (m *Migrator) addColumns(ctx context.Context) (int64, error) {
	in := m.introspector(m.db)
	var (
		added int64
		errs  []error
	)
	for _, c := range legacyColumns {
		if !in.TableExists(ctx, c.table) {
			continue
		}
		ok, err := m.ensureColumn(ctx, c.table, c.column, c.decl)
		if err != nil {
			m.log.WarnContext(ctx, "Failed to add column",
				applog.NewFields().WithOperation(applog.OpAddColumn).WithTable(c.table, c.column).WithError(err).
					ToSlice()...)
			errs = append(errs, fmt.Errorf("%s.%s: %w", c.table, c.column, err))
			continue
		}
		if ok {
			added++
		}
	}
	return added, errors.Join(errs...)
}

package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	applog "budget/internal/log"
)

// targetColumn is a column of the owner-scoped shape. present copies it
// from the source table; missing fills it when the source lacks it.
type targetColumn struct {
	name    string
	decl    string
	present string
	missing string
}

// rebuildTarget describes a table whose uniqueness must be scoped per owner.
type rebuildTarget struct {
	table   string
	key     []string
	columns []targetColumn
}

func (t rebuildTarget) shadow() string { return t.table + "_new" }

func (t rebuildTarget) hasColumn(name string) bool {
	for _, c := range t.columns {
		if strings.EqualFold(c.name, name) {
			return true
		}
	}
	return false
}

// createShadow builds the shadow table: the target columns, then every
// source column the target does not know about, then the owner-scoped key.
func (t rebuildTarget) createShadow(extra []Column) string {
	defs := make([]string, 0, len(t.columns)+len(extra)+1)
	for _, c := range t.columns {
		defs = append(defs, quoteIdent(c.name)+" "+c.decl)
	}
	for _, c := range extra {
		defs = append(defs, columnDefinition(c))
	}
	keys := make([]string, len(t.key))
	for i, k := range t.key {
		keys[i] = quoteIdent(k)
	}
	defs = append(defs, "UNIQUE("+strings.Join(keys, ", ")+")")
	return fmt.Sprintf("CREATE TABLE %s (\n\t%s\n)", quoteIdent(t.shadow()), strings.Join(defs, ",\n\t"))
}

// columnDefinition re-declares a carried-over column with its type, NOT NULL
// and default. Primary key and other per-column constraints are not kept.
func columnDefinition(c Column) string {
	def := quoteIdent(c.Name)
	if c.Type != "" {
		def += " " + c.Type
	}
	if c.NotNull {
		def += " NOT NULL"
	}
	if c.Default.Valid {
		def += " DEFAULT (" + c.Default.String + ")"
	}
	return def
}

var rebuildTargets = []rebuildTarget{
	{
		table: "categories",
		key:   []string{"name", "type", "user_id"},
		columns: []targetColumn{
			{"id", "INTEGER PRIMARY KEY AUTOINCREMENT", "id", "NULL"},
			{"name", "TEXT NOT NULL", "COALESCE(name, '')", "''"},
			{"type", "TEXT", "COALESCE(NULLIF(TRIM(type), ''), 'expense')", "'expense'"},
			{"icon", "TEXT", "icon", "NULL"},
			{"user_id", "INTEGER REFERENCES users(id)", "user_id", "NULL"},
		},
	},
	{
		table: "methods",
		key:   []string{"name", "user_id"},
		columns: []targetColumn{
			{"id", "INTEGER PRIMARY KEY AUTOINCREMENT", "id", "NULL"},
			{"name", "TEXT NOT NULL", "COALESCE(name, '')", "''"},
			{"icon", "TEXT", "icon", "NULL"},
			{"user_id", "INTEGER REFERENCES users(id)", "user_id", "NULL"},
		},
	},
}

func rebuildTargetFor(table string) (rebuildTarget, bool) {
	for _, t := range rebuildTargets {
		if t.table == table {
			return t, true
		}
	}
	return rebuildTarget{}, false
}

// RepairShadowTables cleans up after an interrupted rebuild from an older
// build that did not run it in a transaction. A leftover shadow table is
// dropped when the original still exists, or renamed into place when the
// original is gone.
func (m *Migrator) RepairShadowTables(ctx context.Context) (int64, error) {
	in := m.introspector(m.db)
	var (
		repaired int64
		errs     []error
	)
	for _, t := range rebuildTargets {
		if !in.TableExists(ctx, t.shadow()) {
			continue
		}
		fields := applog.NewFields().WithOperation(applog.OpRebuild).WithTable(t.table, "")
		var stmt, msg string
		if in.TableExists(ctx, t.table) {
			stmt = "DROP TABLE " + quoteIdent(t.shadow())
			msg = "Dropped leftover shadow table"
		} else {
			stmt = fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quoteIdent(t.shadow()), quoteIdent(t.table))
			msg = "Renamed leftover shadow table into place"
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			m.log.WarnContext(ctx, "Failed to repair shadow table", fields.WithError(err).ToSlice()...)
			errs = append(errs, fmt.Errorf("%s: %w", t.shadow(), err))
			continue
		}
		m.log.InfoContext(ctx, msg, fields.ToSlice()...)
		repaired++
	}
	if repaired > 0 {
		m.persist(ctx)
	}
	return repaired, errors.Join(errs...)
}

// RebuildUnique widens the uniqueness of table to its owner-scoped key. It
// returns true if the table was rebuilt. A table that is absent or already
// owner scoped is left alone.
func (m *Migrator) RebuildUnique(ctx context.Context, table string) bool {
	t, ok := rebuildTargetFor(table)
	if !ok {
		return false
	}
	rebuilt, err := m.rebuild(ctx, t)
	if err != nil {
		m.log.WarnContext(ctx, "Failed to rebuild table",
			applog.NewFields().WithOperation(applog.OpRebuild).WithTable(table, "").WithError(err).ToSlice()...)
		return false
	}
	return rebuilt
}

func (m *Migrator) widenUniqueConstraints(ctx context.Context) (int64, error) {
	var (
		rebuilt int64
		errs    []error
	)
	for _, t := range rebuildTargets {
		ok, err := m.rebuild(ctx, t)
		if err != nil {
			m.log.WarnContext(ctx, "Failed to rebuild table",
				applog.NewFields().WithOperation(applog.OpRebuild).WithTable(t.table, "").WithError(err).ToSlice()...)
			errs = append(errs, fmt.Errorf("%s: %w", t.table, err))
			continue
		}
		if ok {
			rebuilt++
		}
	}
	return rebuilt, errors.Join(errs...)
}

func (m *Migrator) rebuild(ctx context.Context, t rebuildTarget) (bool, error) {
	shape := m.introspector(m.db).Uniqueness(ctx, t.table, t.key)
	fields := applog.NewFields().WithOperation(applog.OpRebuild).WithTable(t.table, "")
	if !shape.NeedsRebuild() {
		m.log.DebugContext(ctx, "Table needs no rebuild", append(fields.ToSlice(), "shape", shape.Kind.String())...)
		return false, nil
	}

	var copied, merged, restored int64
	var extra []string
	err := m.db.InTx(ctx, func(tx *sql.Tx) error {
		in := m.introspector(tx)

		names := make([]string, 0, len(t.columns))
		exprs := make([]string, 0, len(t.columns))
		source := make(map[string]string, len(t.columns))
		var carried []Column
		for _, c := range in.Columns(ctx, t.table) {
			if !t.hasColumn(c.Name) {
				carried = append(carried, c)
			}
		}
		for _, c := range t.columns {
			expr := c.missing
			if in.ColumnExists(ctx, t.table, c.name) {
				expr = c.present
			}
			names = append(names, quoteIdent(c.name))
			exprs = append(exprs, expr)
			source[c.name] = expr
		}
		for _, c := range carried {
			names = append(names, quoteIdent(c.Name))
			exprs = append(exprs, quoteIdent(c.Name))
			extra = append(extra, c.Name)
		}
		// Dropping the original drops its indexes and triggers with it.
		indexes := in.Indexes(ctx, t.table)
		triggers := in.Triggers(ctx, t.table)

		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdent(t.shadow())); err != nil {
			return fmt.Errorf("drop shadow table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, t.createShadow(carried)); err != nil {
			return fmt.Errorf("create shadow table: %w", err)
		}

		keyExprs := make([]string, len(t.key))
		for i, k := range t.key {
			keyExprs[i] = source[k]
		}
		var err error
		if merged, err = mergeDuplicates(ctx, tx, in, t.table, keyExprs, "1 = 1"); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s",
			quoteIdent(t.shadow()), strings.Join(names, ", "), strings.Join(exprs, ", "), quoteIdent(t.table)))
		if err != nil {
			return fmt.Errorf("copy rows: %w", err)
		}
		copied, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(t.table)); err != nil {
			return fmt.Errorf("drop original table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
			quoteIdent(t.shadow()), quoteIdent(t.table))); err != nil {
			return fmt.Errorf("rename shadow table: %w", err)
		}

		for _, idx := range indexes {
			// A unique index without the owner column is the constraint
			// being widened.
			if idx.Unique && !hasColumn(idx.Columns, ownerColumn) {
				m.log.InfoContext(ctx, "Dropped unique index not scoped by owner",
					append(fields.ToSlice(), "index", idx.Name)...)
				continue
			}
			if _, err := tx.ExecContext(ctx, idx.SQL); err != nil {
				return fmt.Errorf("recreate index %s: %w", idx.Name, err)
			}
			restored++
		}
		for _, trg := range triggers {
			if _, err := tx.ExecContext(ctx, trg.SQL); err != nil {
				return fmt.Errorf("recreate trigger %s: %w", trg.Name, err)
			}
			restored++
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	m.log.InfoContext(ctx, "Rebuilt table with owner-scoped uniqueness",
		append(fields.WithRows(copied).ToSlice(), "merged", merged, "previous_shape", shape.Kind.String(),
			"carried_columns", extra, "restored_objects", restored)...)
	m.persist(ctx)
	return true, nil
}

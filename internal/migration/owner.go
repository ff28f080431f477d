package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	applog "budget/internal/log"
	"budget/internal/storage"
)

var (
	errReservedTaken = errors.New("reserved system username belongs to a regular account")
	errNoSystemFlag  = errors.New("users.is_system column is missing")
)

// ProvisionSystemOwner returns the id of the system account, creating it
// when absent. The account has no password and cannot log in. It reports
// false when no account could be found or created.
func (m *Migrator) ProvisionSystemOwner(ctx context.Context) (int64, bool) {
	id, _, err := m.ensureSystemOwner(ctx)
	if err != nil {
		m.log.WarnContext(ctx, "Failed to provision system owner",
			applog.NewFields().WithOperation(applog.OpCreate).WithTable("users", "").WithError(err).ToSlice()...)
		return 0, false
	}
	return id, true
}

func (m *Migrator) provisionOwner(ctx context.Context, r *run) (int64, error) {
	if !m.opts.AssignOrphans {
		m.log.InfoContext(ctx, "Orphan assignment disabled, rows without an owner will be deleted")
		return 0, nil
	}
	if !m.hasUnownedRows(ctx) {
		m.log.DebugContext(ctx, "Every row has an owner, system owner not needed")
		return 0, nil
	}
	id, created, err := m.ensureSystemOwner(ctx)
	if err != nil {
		return 0, fmt.Errorf("provision system owner: %w", err)
	}
	r.ownerID, r.hasOwner = id, true
	if created {
		return 1, nil
	}
	return 0, nil
}

func (m *Migrator) hasUnownedRows(ctx context.Context) bool {
	in := m.introspector(m.db)
	for _, table := range storage.OwnedTables {
		if !in.ColumnExists(ctx, table, ownerColumn) {
			continue
		}
		var one int
		err := m.db.QueryRowContext(ctx,
			fmt.Sprintf("SELECT 1 FROM %s WHERE user_id IS NULL LIMIT 1", quoteIdent(table))).Scan(&one)
		if err == nil {
			return true
		}
		if !errors.Is(err, sql.ErrNoRows) {
			// Provision anyway when the probe itself fails.
			return true
		}
	}
	return false
}

func (m *Migrator) ensureSystemOwner(ctx context.Context) (int64, bool, error) {
	in := m.introspector(m.db)
	if !in.TableExists(ctx, "users") {
		return 0, false, errTableMissing
	}
	if !in.ColumnExists(ctx, "users", "is_system") {
		return 0, false, errNoSystemFlag
	}

	var (
		id       int64
		isSystem sql.NullInt64
	)
	err := m.db.QueryRowContext(ctx,
		`SELECT id, is_system FROM users WHERE username = ?`, storage.SystemUsername).Scan(&id, &isSystem)
	switch {
	case err == nil:
		if isSystem.Int64 != 1 {
			return 0, false, errReservedTaken
		}
		return id, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("lookup system owner: %w", err)
	}

	cols := []string{"username", "is_system"}
	args := []any{storage.SystemUsername, 1}
	for _, c := range in.Columns(ctx, "users") {
		// Legacy files declare password_hash NOT NULL; an empty hash never
		// verifies either.
		if c.Name == "password_hash" && c.NotNull {
			cols = append(cols, c.Name)
			args = append(args, "")
		}
	}
	stmt := fmt.Sprintf("INSERT INTO users (%s) VALUES (?%s)",
		strings.Join(cols, ", "), strings.Repeat(", ?", len(cols)-1))
	res, err := m.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, false, fmt.Errorf("insert system owner: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("system owner id: %w", err)
	}

	m.log.InfoContext(ctx, "Created system owner account", "user_id", id, "username", storage.SystemUsername)
	m.persist(ctx)
	return id, true, nil
}

func (m *Migrator) backfillOwners(ctx context.Context, r *run) (int64, error) {
	if !r.hasOwner {
		return m.BackfillOwners(ctx, 0)
	}
	return m.BackfillOwners(ctx, r.ownerID)
}

// BackfillOwners gives every row without an owner to ownerID. With ownerID 0
// there is no owner to give them to and those rows are deleted instead.
// Tables are handled one transaction each; a failing table does not stop the
// others.
func (m *Migrator) BackfillOwners(ctx context.Context, ownerID int64) (int64, error) {
	in := m.introspector(m.db)
	var (
		total int64
		errs  []error
	)
	for _, table := range storage.OwnedTables {
		if !in.ColumnExists(ctx, table, ownerColumn) {
			continue
		}
		n, err := m.backfillTable(ctx, table, ownerID)
		if err != nil {
			m.log.WarnContext(ctx, "Ownership backfill failed",
				applog.NewFields().WithOperation(applog.OpBackfill).WithTable(table, ownerColumn).WithError(err).
					ToSlice()...)
			errs = append(errs, fmt.Errorf("%s: %w", table, err))
			continue
		}
		if n > 0 {
			m.persist(ctx)
		}
		total += n
	}
	return total, errors.Join(errs...)
}

func (m *Migrator) backfillTable(ctx context.Context, table string, ownerID int64) (int64, error) {
	var changed int64
	err := m.db.InTx(ctx, func(tx *sql.Tx) error {
		in := m.introspector(tx)
		fields := applog.NewFields().WithOperation(applog.OpBackfill).WithTable(table, ownerColumn)

		if ownerID == 0 {
			if err := clearReferences(ctx, tx, in, table, "user_id IS NULL"); err != nil {
				return err
			}
			dangling, err := danglingReferences(ctx, tx, in, table, "user_id IS NULL")
			if err != nil {
				return err
			}
			if dangling > 0 {
				m.log.WarnContext(ctx, "Owned rows keep references to deleted rows without an owner",
					append(fields.ToSlice(), "dangling", dangling)...)
			}
			res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE user_id IS NULL", quoteIdent(table)))
			if err != nil {
				return fmt.Errorf("delete unowned rows: %w", err)
			}
			changed, _ = res.RowsAffected()
			if changed > 0 {
				m.log.WarnContext(ctx, "Deleted rows without an owner", fields.WithRows(changed).ToSlice()...)
			}
			return nil
		}

		var merged int64
		for _, key := range backfillKeys(ctx, in, table) {
			n, err := mergeDuplicates(ctx, tx, in, table, key, "user_id IS NULL OR user_id = ?", ownerID)
			if err != nil {
				return err
			}
			merged += n
		}
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET user_id = ? WHERE user_id IS NULL", quoteIdent(table)), ownerID)
		if err != nil {
			return fmt.Errorf("assign owner: %w", err)
		}
		assigned, _ := res.RowsAffected()
		changed = merged + assigned
		if changed > 0 {
			m.log.InfoContext(ctx, "Assigned rows without an owner to the system account",
				append(fields.WithRows(assigned).ToSlice(), "merged", merged)...)
		}
		return nil
	})
	return changed, err
}

// backfillKeys lists the column sets on which rows must be unique once they
// share an owner: every live unique key that includes the owner column and
// the owner-scoped key the table is widened to, each without the owner column.
func backfillKeys(ctx context.Context, in *Introspector, table string) [][]string {
	var candidates [][]string
	for _, key := range in.UniqueKeys(ctx, table) {
		if hasColumn(key, ownerColumn) {
			candidates = append(candidates, key)
		}
	}
	if target, ok := rebuildTargetFor(table); ok {
		candidates = append(candidates, target.key)
	}

	seen := make(map[string]bool)
	var keys [][]string
	for _, key := range candidates {
		var cols []string
		usable := true
		for _, c := range key {
			if strings.EqualFold(c, ownerColumn) {
				continue
			}
			if c == "<expr>" || !in.ColumnExists(ctx, table, c) {
				usable = false
				break
			}
			cols = append(cols, quoteIdent(c))
		}
		id := strings.Join(cols, ",")
		if !usable || len(cols) == 0 || seen[id] {
			continue
		}
		seen[id] = true
		keys = append(keys, cols)
	}
	return keys
}

package migration

import (
	"context"
	"fmt"
	"strings"

	"budget/internal/storage"
)

// reference is a column in another table pointing at a row id.
type reference struct {
	table  string
	column string
}

var (
	categoryRefs = []reference{{"transactions", "category_id"}, {"budgets", "category_id"}}
	methodRefs   = []reference{{"transactions", "method_id"}}
)

// referencesOf returns the columns that point at rows of table.
func referencesOf(table string) []reference {
	switch table {
	case "categories":
		return categoryRefs
	case "methods":
		return methodRefs
	}
	return nil
}

type duplicate struct {
	id   int64
	keep int64
}

// mergeDuplicates collapses the rows of table matching where that share the
// same values for keyExprs into the row with the lowest id. References are
// re-pointed at the kept row before the duplicates are deleted. Rows with a
// NULL in any key expression never collide, the same way SQLite treats them
// in a UNIQUE index.
func mergeDuplicates(ctx context.Context, q storage.Querier, in *Introspector, table string, keyExprs []string, where string, args ...any) (int64, error) {
	if len(keyExprs) == 0 {
		return 0, nil
	}
	quoted := make([]string, len(keyExprs))
	for i, e := range keyExprs {
		quoted[i] = "quote(" + e + ")"
	}
	query := fmt.Sprintf("SELECT id, %s FROM %s WHERE %s ORDER BY id",
		strings.Join(quoted, ", "), quoteIdent(table), where)

	dups, err := findDuplicates(ctx, q, query, len(keyExprs), args...)
	if err != nil {
		return 0, fmt.Errorf("find duplicates in %s: %w", table, err)
	}
	if len(dups) == 0 {
		return 0, nil
	}

	var refs []reference
	for _, ref := range referencesOf(table) {
		if in.ColumnExists(ctx, ref.table, ref.column) {
			refs = append(refs, ref)
		}
	}

	for _, d := range dups {
		for _, ref := range refs {
			stmt := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?",
				quoteIdent(ref.table), quoteIdent(ref.column), quoteIdent(ref.column))
			if _, err := q.ExecContext(ctx, stmt, d.keep, d.id); err != nil {
				return 0, fmt.Errorf("re-point %s.%s: %w", ref.table, ref.column, err)
			}
		}
		if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdent(table)), d.id); err != nil {
			return 0, fmt.Errorf("delete duplicate from %s: %w", table, err)
		}
	}
	return int64(len(dups)), nil
}

func findDuplicates(ctx context.Context, q storage.Querier, query string, width int, args ...any) ([]duplicate, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		id    int64
		parts = make([]string, width)
		dest  = make([]any, width+1)
		kept  = make(map[string]int64)
		dups  []duplicate
	)
	dest[0] = &id
	for i := range parts {
		dest[i+1] = &parts[i]
	}

rowLoop:
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for _, p := range parts {
			if p == "NULL" {
				continue rowLoop
			}
		}
		key := strings.Join(parts, "\x1f")
		if keep, ok := kept[key]; ok {
			dups = append(dups, duplicate{id: id, keep: keep})
			continue
		}
		kept[key] = id
	}
	return dups, rows.Err()
}

// clearReferences nulls out transaction references to rows of table matching
// where. budgets.category_id is NOT NULL and is left alone; see
// danglingReferences.
func clearReferences(ctx context.Context, q storage.Querier, in *Introspector, table, where string) error {
	for _, ref := range referencesOf(table) {
		if ref.table != "transactions" || !in.ColumnExists(ctx, ref.table, ref.column) {
			continue
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s IN (SELECT id FROM %s WHERE %s)",
			quoteIdent(ref.table), quoteIdent(ref.column), quoteIdent(ref.column), quoteIdent(table), where)
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear %s.%s: %w", ref.table, ref.column, err)
		}
	}
	return nil
}

// danglingReferences counts owned rows whose NOT NULL reference points at a
// row of table matching where. Those rows are kept.
func danglingReferences(ctx context.Context, q storage.Querier, in *Introspector, table, where string) (int64, error) {
	var total int64
	for _, ref := range referencesOf(table) {
		if ref.table == "transactions" || !in.ColumnExists(ctx, ref.table, ref.column) {
			continue
		}
		stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s IN (SELECT id FROM %s WHERE %s)",
			quoteIdent(ref.table), quoteIdent(ref.column), quoteIdent(table), where)
		if in.ColumnExists(ctx, ref.table, ownerColumn) {
			stmt += " AND " + quoteIdent(ownerColumn) + " IS NOT NULL"
		}
		var n int64
		if err := q.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
			return 0, fmt.Errorf("count %s.%s: %w", ref.table, ref.column, err)
		}
		total += n
	}
	return total, nil
}

package migration

import (
	"context"
	"fmt"
	"strings"

	"budget/internal/core"
	applog "budget/internal/log"
)

// incomeKeywords mark a category name as income when usage does not decide.
var incomeKeywords = []string{
	"salary", "stipendio", "income", "entrat", "refund", "rimborso", "bonus",
	"dividend", "interest", "interessi", "pension", "freelance", "gift received",
}

// InferCategoryType picks the type of an untyped category: the majority of
// the transactions filed under it, or the name when usage ties.
func InferCategoryType(name string, incomeUses, expenseUses int64) core.TxType {
	switch {
	case incomeUses > expenseUses:
		return core.Income
	case expenseUses > incomeUses:
		return core.Expense
	}
	lower := strings.ToLower(name)
	for _, kw := range incomeKeywords {
		if strings.Contains(lower, kw) {
			return core.Income
		}
	}
	return core.Expense
}

type untypedCategory struct {
	id   int64
	name string
}

type categoryUsage struct {
	income  int64
	expense int64
}

// InferCategoryTypes fills the type of every category that has none. A row
// that cannot be updated, typically because the typed name already exists
// under a legacy UNIQUE(name, type), is logged and left untyped.
func (m *Migrator) InferCategoryTypes(ctx context.Context) (int64, error) {
	in := m.introspector(m.db)
	if !in.ColumnExists(ctx, "categories", "type") {
		return 0, nil
	}

	pending, err := m.untypedCategories(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	usage := map[int64]categoryUsage{}
	if in.ColumnExists(ctx, "transactions", "type") && in.ColumnExists(ctx, "transactions", "category_id") {
		if usage, err = m.categoryUsage(ctx); err != nil {
			return 0, err
		}
	}

	var updated int64
	for _, c := range pending {
		u := usage[c.id]
		typ := InferCategoryType(c.name, u.income, u.expense)
		if _, err := m.db.ExecContext(ctx, `UPDATE categories SET type = ? WHERE id = ?`, string(typ), c.id); err != nil {
			m.log.WarnContext(ctx, "Failed to set category type",
				applog.NewFields().WithOperation(applog.OpUpdate).WithTable("categories", "type").WithError(err).
					ToSlice()...)
			continue
		}
		updated++
	}

	if updated > 0 {
		m.log.InfoContext(ctx, "Inferred category types",
			applog.NewFields().WithTable("categories", "type").WithRows(updated).ToSlice()...)
		m.persist(ctx)
	}
	return updated, nil
}

func (m *Migrator) untypedCategories(ctx context.Context) ([]untypedCategory, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, COALESCE(name, '') FROM categories WHERE type IS NULL OR TRIM(type) = '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list untyped categories: %w", err)
	}
	defer rows.Close()

	var out []untypedCategory
	for rows.Next() {
		var c untypedCategory
		if err := rows.Scan(&c.id, &c.name); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (m *Migrator) categoryUsage(ctx context.Context) (map[int64]categoryUsage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT category_id,
		       SUM(CASE WHEN LOWER(type) = 'income' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN LOWER(type) = 'expense' THEN 1 ELSE 0 END)
		FROM transactions
		WHERE category_id IS NOT NULL
		GROUP BY category_id`)
	if err != nil {
		return nil, fmt.Errorf("count category usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[int64]categoryUsage)
	for rows.Next() {
		var (
			id int64
			u  categoryUsage
		)
		if err := rows.Scan(&id, &u.income, &u.expense); err != nil {
			return nil, fmt.Errorf("scan category usage: %w", err)
		}
		usage[id] = u
	}
	return usage, rows.Err()
}

package migration

import (
	"context"
	"database/sql"
	"strings"

	applog "budget/internal/log"
	"budget/internal/storage"
)

// ShapeKind classifies the uniqueness constraints of a table relative to a
// wanted owner-scoped key.
type ShapeKind int

const (
	// ShapeAbsent means the table does not exist.
	ShapeAbsent ShapeKind = iota
	// ShapeUnconstrained means the table has no unique key besides its rowid.
	ShapeUnconstrained
	// ShapeLegacy means the wanted key is missing, or some other unique key
	// lacks the owner column.
	ShapeLegacy
	// ShapeOwnerScoped means the wanted key is present and every other
	// unique key includes the owner column.
	ShapeOwnerScoped
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeAbsent:
		return "absent"
	case ShapeUnconstrained:
		return "unconstrained"
	case ShapeLegacy:
		return "legacy"
	case ShapeOwnerScoped:
		return "owner_scoped"
	default:
		return "unknown"
	}
}

// UniqueShape is the parsed uniqueness state of one table.
type UniqueShape struct {
	Kind ShapeKind
	Keys [][]string
}

// NeedsRebuild reports whether the table exists but lacks the wanted key.
func (s UniqueShape) NeedsRebuild() bool {
	return s.Kind == ShapeUnconstrained || s.Kind == ShapeLegacy
}

const ownerColumn = "user_id"

// Column is one entry of a table's declared column list.
type Column struct {
	Name    string
	Type    string
	NotNull bool
	PK      bool
	Default sql.NullString
}

// SchemaObject is an index or trigger stored in sqlite_master with its
// CREATE text. Columns is only set for indexes.
type SchemaObject struct {
	Name    string
	SQL     string
	Unique  bool
	Columns []string
}

// Introspector reads the live SQLite catalog. Nothing is cached: earlier
// migration steps change the answers. Lookup errors are logged and reported
// as "absent", never returned.
type Introspector struct {
	q   storage.Querier
	log *applog.Logger
}

func NewIntrospector(q storage.Querier, logger *applog.Logger) *Introspector {
	if logger == nil {
		logger = applog.Discard()
	}
	return &Introspector{q: q, log: logger}
}

func (in *Introspector) lookupFailed(ctx context.Context, what, table string, err error) {
	in.log.DebugContext(ctx, "Catalog lookup failed, treating as absent",
		append(applog.NewFields().WithOperation(applog.OpIntrospect).WithTable(table, "").WithError(err).
			ToSlice(), "lookup", what)...)
}

// TableExists reports whether a table with that exact name exists.
func (in *Introspector) TableExists(ctx context.Context, table string) bool {
	var n int
	err := in.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		in.lookupFailed(ctx, "table", table, err)
		return false
	}
	return n > 0
}

// ColumnExists reports whether table has column; false when the table is absent.
func (in *Introspector) ColumnExists(ctx context.Context, table, column string) bool {
	var n int
	err := in.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ? COLLATE NOCASE`, table, column).Scan(&n)
	if err != nil {
		in.lookupFailed(ctx, "column", table, err)
		return false
	}
	return n > 0
}

// Columns returns the declared columns in order; nil when the table is absent.
func (in *Introspector) Columns(ctx context.Context, table string) []Column {
	rows, err := in.q.QueryContext(ctx,
		`SELECT name, type, "notnull", pk, dflt_value FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		in.lookupFailed(ctx, "columns", table, err)
		return nil
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			c       Column
			notNull int
			pk      int
		)
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &pk, &c.Default); err != nil {
			in.lookupFailed(ctx, "columns", table, err)
			return nil
		}
		c.NotNull = notNull != 0
		c.PK = pk != 0
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		in.lookupFailed(ctx, "columns", table, err)
		return nil
	}
	return cols
}

// CreateStatement returns the stored CREATE TABLE text.
func (in *Introspector) CreateStatement(ctx context.Context, table string) (string, bool) {
	var stmt sql.NullString
	err := in.q.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&stmt)
	if err != nil {
		if err != sql.ErrNoRows {
			in.lookupFailed(ctx, "create statement", table, err)
		}
		return "", false
	}
	return stmt.String, stmt.Valid
}

// UniqueKeys lists the column sets of every unique index on table, whether
// declared as a UNIQUE constraint or a CREATE UNIQUE INDEX. The primary key
// is excluded. Expression columns show up as "<expr>".
func (in *Introspector) UniqueKeys(ctx context.Context, table string) [][]string {
	// Index names are collected before reading their columns: the handle has
	// a single connection, so nested queries would block.
	rows, err := in.q.QueryContext(ctx,
		`SELECT name, origin FROM pragma_index_list(?) WHERE "unique" = 1 ORDER BY seq`, table)
	if err != nil {
		in.lookupFailed(ctx, "index list", table, err)
		return nil
	}
	var indexes []string
	for rows.Next() {
		var name, origin string
		if err := rows.Scan(&name, &origin); err != nil {
			rows.Close()
			in.lookupFailed(ctx, "index list", table, err)
			return nil
		}
		if origin != "pk" {
			indexes = append(indexes, name)
		}
	}
	rows.Close()

	keys := make([][]string, 0, len(indexes))
	for _, idx := range indexes {
		cols, err := in.indexColumns(ctx, idx)
		if err != nil {
			in.lookupFailed(ctx, "index info", table, err)
			continue
		}
		keys = append(keys, cols)
	}
	return keys
}

func (in *Introspector) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := in.q.QueryContext(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, index)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if !name.Valid {
			cols = append(cols, "<expr>")
			continue
		}
		cols = append(cols, name.String)
	}
	return cols, rows.Err()
}

// Indexes lists the explicitly created indexes on table. Indexes backing a
// UNIQUE or PRIMARY KEY constraint have no CREATE text and are left out.
func (in *Introspector) Indexes(ctx context.Context, table string) []SchemaObject {
	rows, err := in.q.QueryContext(ctx,
		`SELECT m.name, m.sql, l."unique" FROM sqlite_master m
		 JOIN pragma_index_list(?) l ON l.name = m.name
		 WHERE m.type = 'index' AND m.sql IS NOT NULL ORDER BY l.seq`, table)
	if err != nil {
		in.lookupFailed(ctx, "indexes", table, err)
		return nil
	}
	var indexes []SchemaObject
	for rows.Next() {
		var (
			idx    SchemaObject
			unique int
		)
		if err := rows.Scan(&idx.Name, &idx.SQL, &unique); err != nil {
			rows.Close()
			in.lookupFailed(ctx, "indexes", table, err)
			return nil
		}
		idx.Unique = unique != 0
		indexes = append(indexes, idx)
	}
	rows.Close()

	for i := range indexes {
		cols, err := in.indexColumns(ctx, indexes[i].Name)
		if err != nil {
			in.lookupFailed(ctx, "index info", table, err)
			continue
		}
		indexes[i].Columns = cols
	}
	return indexes
}

// Triggers lists the triggers attached to table.
func (in *Introspector) Triggers(ctx context.Context, table string) []SchemaObject {
	rows, err := in.q.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type = 'trigger' AND tbl_name = ? ORDER BY name`, table)
	if err != nil {
		in.lookupFailed(ctx, "triggers", table, err)
		return nil
	}
	defer rows.Close()

	var triggers []SchemaObject
	for rows.Next() {
		var trg SchemaObject
		if err := rows.Scan(&trg.Name, &trg.SQL); err != nil {
			in.lookupFailed(ctx, "triggers", table, err)
			return nil
		}
		triggers = append(triggers, trg)
	}
	return triggers
}

// Uniqueness classifies table against the wanted key, compared as a set.
// The table is owner scoped when the wanted key is present and every other
// unique key also includes the owner column.
func (in *Introspector) Uniqueness(ctx context.Context, table string, want []string) UniqueShape {
	if !in.TableExists(ctx, table) {
		return UniqueShape{Kind: ShapeAbsent}
	}
	keys := in.UniqueKeys(ctx, table)
	shape := UniqueShape{Keys: keys}
	if len(keys) == 0 {
		shape.Kind = ShapeUnconstrained
		return shape
	}
	found := false
	for _, key := range keys {
		if sameColumns(key, want) {
			found = true
			continue
		}
		if !hasColumn(key, ownerColumn) {
			shape.Kind = ShapeLegacy
			return shape
		}
	}
	if !found {
		shape.Kind = ShapeLegacy
		return shape
	}
	shape.Kind = ShapeOwnerScoped
	return shape
}

func hasColumn(key []string, column string) bool {
	for _, c := range key {
		if strings.EqualFold(c, column) {
			return true
		}
	}
	return false
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, c := range a {
		seen[strings.ToLower(c)]++
	}
	for _, c := range b {
		key := strings.ToLower(c)
		if seen[key] == 0 {
			return false
		}
		seen[key]--
	}
	return true
}

// quoteIdent quotes an SQL identifier.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

package migration

import (
	"context"
	"testing"
)

func TestIntrospector_Columns(t *testing.T) {
	db := newDB(t, legacyV2...)
	in := NewIntrospector(db, nil)
	ctx := context.Background()

	if !in.TableExists(ctx, "categories") || in.TableExists(ctx, "budgets") {
		t.Fatal("TableExists mismatch")
	}
	if !in.ColumnExists(ctx, "transactions", "notes") {
		t.Fatal("transactions.notes not found")
	}
	if !in.ColumnExists(ctx, "transactions", "NOTES") {
		t.Fatal("column lookup is case sensitive")
	}
	if in.ColumnExists(ctx, "transactions", "user_id") {
		t.Fatal("transactions.user_id found in v2 file")
	}
	if in.ColumnExists(ctx, "budgets", "user_id") {
		t.Fatal("column found on missing table")
	}

	cols := in.Columns(ctx, "users")
	if len(cols) != 3 {
		t.Fatalf("users columns = %+v", cols)
	}
	if !cols[0].PK || cols[1].Name != "username" || !cols[2].NotNull {
		t.Fatalf("users columns = %+v", cols)
	}
	if in.Columns(ctx, "nope") != nil {
		t.Fatal("Columns() on missing table not nil")
	}

	stmt, ok := in.CreateStatement(ctx, "methods")
	if !ok || stmt == "" {
		t.Fatalf("CreateStatement() = %q, %v", stmt, ok)
	}
	if _, ok := in.CreateStatement(ctx, "nope"); ok {
		t.Fatal("CreateStatement() found missing table")
	}
}

func TestIntrospector_Uniqueness(t *testing.T) {
	tests := []struct {
		name  string
		ddl   []string
		want  ShapeKind
		nkeys int
	}{
		{
			name: "absent",
			want: ShapeAbsent,
		},
		{
			name: "unconstrained",
			ddl:  []string{`CREATE TABLE methods (id INTEGER PRIMARY KEY, name TEXT, user_id INTEGER)`},
			want: ShapeUnconstrained,
		},
		{
			name:  "legacy inline unique",
			ddl:   []string{`CREATE TABLE methods (id INTEGER PRIMARY KEY, name TEXT UNIQUE, user_id INTEGER)`},
			want:  ShapeLegacy,
			nkeys: 1,
		},
		{
			name: "legacy unique index next to owner key",
			ddl: []string{
				`CREATE TABLE methods (id INTEGER PRIMARY KEY, name TEXT, user_id INTEGER, UNIQUE(name, user_id))`,
				`CREATE UNIQUE INDEX methods_name ON methods(name)`,
			},
			want:  ShapeLegacy,
			nkeys: 2,
		},
		{
			name:  "owner scoped",
			ddl:   []string{`CREATE TABLE methods (id INTEGER PRIMARY KEY, name TEXT, user_id INTEGER, UNIQUE(user_id, name))`},
			want:  ShapeOwnerScoped,
			nkeys: 1,
		},
		{
			name: "owner scoped with extra owner key",
			ddl: []string{
				`CREATE TABLE methods (id INTEGER PRIMARY KEY, name TEXT, icon TEXT, user_id INTEGER, UNIQUE(name, user_id))`,
				`CREATE UNIQUE INDEX methods_icon ON methods(icon, user_id)`,
			},
			want:  ShapeOwnerScoped,
			nkeys: 2,
		},
		{
			name:  "text primary key is not a unique key",
			ddl:   []string{`CREATE TABLE methods (name TEXT PRIMARY KEY, user_id INTEGER)`},
			want:  ShapeUnconstrained,
			nkeys: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newDB(t, tt.ddl...)
			shape := NewIntrospector(db, nil).Uniqueness(context.Background(), "methods", []string{"name", "user_id"})
			if shape.Kind != tt.want {
				t.Fatalf("Uniqueness() = %s, want %s (keys %v)", shape.Kind, tt.want, shape.Keys)
			}
			if len(shape.Keys) != tt.nkeys {
				t.Fatalf("keys = %v, want %d", shape.Keys, tt.nkeys)
			}
		})
	}
}

func TestIntrospector_UniqueKeysOrder(t *testing.T) {
	db := newDB(t, `CREATE TABLE categories (id INTEGER PRIMARY KEY, name TEXT, type TEXT, user_id INTEGER, UNIQUE(name, type, user_id))`)
	keys := NewIntrospector(db, nil).UniqueKeys(context.Background(), "categories")
	if len(keys) != 1 {
		t.Fatalf("keys = %v", keys)
	}
	want := []string{"name", "type", "user_id"}
	for i, c := range want {
		if keys[0][i] != c {
			t.Fatalf("keys = %v, want %v", keys[0], want)
		}
	}
}

func TestIntrospector_IndexesAndTriggers(t *testing.T) {
	db := newDB(t,
		`CREATE TABLE methods (id INTEGER PRIMARY KEY, name TEXT UNIQUE, last_four TEXT, user_id INTEGER)`,
		`CREATE INDEX idx_methods_last_four ON methods(last_four)`,
		`CREATE UNIQUE INDEX idx_methods_owner_name ON methods(user_id, name)`,
		`CREATE TRIGGER methods_touch AFTER UPDATE ON methods BEGIN SELECT 1; END`,
	)
	in := NewIntrospector(db, nil)
	ctx := context.Background()

	indexes := in.Indexes(ctx, "methods")
	if len(indexes) != 2 {
		t.Fatalf("indexes = %+v, want the two explicit ones", indexes)
	}
	byName := make(map[string]SchemaObject)
	for _, idx := range indexes {
		byName[idx.Name] = idx
	}
	if idx := byName["idx_methods_last_four"]; idx.Unique || len(idx.Columns) != 1 || idx.SQL == "" {
		t.Fatalf("last_four index = %+v", idx)
	}
	if idx := byName["idx_methods_owner_name"]; !idx.Unique || !hasColumn(idx.Columns, "user_id") {
		t.Fatalf("owner index = %+v", idx)
	}

	triggers := in.Triggers(ctx, "methods")
	if len(triggers) != 1 || triggers[0].Name != "methods_touch" {
		t.Fatalf("triggers = %+v", triggers)
	}
	if in.Indexes(ctx, "nope") != nil || in.Triggers(ctx, "nope") != nil {
		t.Fatal("lookups on a missing table returned objects")
	}
}

func TestShapeKind_NeedsRebuild(t *testing.T) {
	for kind, want := range map[ShapeKind]bool{
		ShapeAbsent:        false,
		ShapeUnconstrained: true,
		ShapeLegacy:        true,
		ShapeOwnerScoped:   false,
	} {
		if got := (UniqueShape{Kind: kind}).NeedsRebuild(); got != want {
			t.Errorf("%s.NeedsRebuild() = %v, want %v", kind, got, want)
		}
	}
}

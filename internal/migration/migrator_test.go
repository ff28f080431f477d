package migration

import (
	"context"
	"errors"
	"testing"

	"budget/internal/core"
	"budget/internal/storage"
)

func TestRun_FreshDatabase(t *testing.T) {
	db := newDB(t)
	m := newTestMigrator(db, true)

	report := m.Run(context.Background())

	if report.State != StateCompleted || !report.Fresh {
		t.Fatalf("state = %s fresh = %v, want completed fresh", report.State, report.Fresh)
	}
	if report.RunID == "" {
		t.Fatal("missing run id")
	}
	if len(report.Steps) != 9 {
		t.Fatalf("got %d steps, want 9", len(report.Steps))
	}
	if report.Steps[0].Name != StepDetectCoreTable || report.Steps[0].Status != StepOK {
		t.Fatalf("first step = %+v", report.Steps[0])
	}
	for _, s := range report.Steps[1:] {
		if s.Status != StepSkipped {
			t.Errorf("step %s = %s, want skipped", s.Name, s.Status)
		}
	}
	if n := count(t, db, `SELECT COUNT(*) FROM sqlite_master`); n != 0 {
		t.Fatalf("fresh run created %d schema objects", n)
	}
	if m.State() != StateCompleted || !m.Done() {
		t.Fatalf("migrator state = %s", m.State())
	}
	if last, ok := m.LastReport(); !ok || last.RunID != report.RunID {
		t.Fatalf("LastReport() = %+v, %v", last, ok)
	}
}

func TestNew_NotStarted(t *testing.T) {
	m := newTestMigrator(newDB(t), true)
	if m.State() != StateNotStarted || m.Done() {
		t.Fatalf("state = %s", m.State())
	}
	if _, ok := m.LastReport(); ok {
		t.Fatal("LastReport() ok before any run")
	}
}

func TestRun_LegacyV1(t *testing.T) {
	db := newDB(t, legacyV1...)
	ctx := context.Background()

	report := newTestMigrator(db, true).Run(ctx)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, failed = %v, steps = %+v", report.State, report.Failed(), report.Steps)
	}

	in := NewIntrospector(db, nil)
	for _, c := range legacyColumns {
		if !in.ColumnExists(ctx, c.table, c.column) {
			t.Errorf("column %s.%s missing", c.table, c.column)
		}
	}
	for _, table := range []string{"users", "budgets"} {
		if !in.TableExists(ctx, table) {
			t.Errorf("table %s missing", table)
		}
	}

	wantTypes := map[string]core.TxType{
		"Groceries": core.Expense,
		"Salary":    core.Income,
		"Refunds":   core.Income,
		"Misc":      core.Expense,
	}
	rows, err := db.QueryContext(ctx, `SELECT name, type FROM categories`)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]core.TxType{}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			t.Fatal(err)
		}
		got[name] = core.TxType(typ)
	}
	rows.Close()
	for name, want := range wantTypes {
		if got[name] != want {
			t.Errorf("category %s type = %q, want %q", name, got[name], want)
		}
	}

	if n := nullOwners(t, db); n != 0 {
		t.Fatalf("%d rows still without owner", n)
	}
	sys := systemOwnerID(t, db)
	if n := count(t, db, `SELECT COUNT(*) FROM transactions WHERE user_id = ?`, sys); n != 5 {
		t.Fatalf("system owns %d transactions, want 5", n)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM users WHERE id = ? AND is_system = 1 AND password_hash IS NULL`, sys); n != 1 {
		t.Fatal("system owner is not a passwordless system account")
	}

	for _, target := range rebuildTargets {
		if shape := in.Uniqueness(ctx, target.table, target.key); shape.Kind != ShapeOwnerScoped {
			t.Errorf("%s shape = %s, want owner_scoped", target.table, shape.Kind)
		}
	}
	for _, table := range storage.OwnedTables {
		if n := count(t, db, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?`,
			"idx_"+table+"_user_id"); n != 1 {
			t.Errorf("owner index on %s missing", table)
		}
	}
}

func TestRun_Idempotent(t *testing.T) {
	for name, fixture := range map[string][]string{"v1": legacyV1, "v2": legacyV2, "v3": legacyV3, "extra": legacyExtra} {
		t.Run(name, func(t *testing.T) {
			db := newDB(t, fixture...)
			m := newTestMigrator(db, true)
			ctx := context.Background()

			if first := m.Run(ctx); first.State != StateCompleted {
				t.Fatalf("first run failed: %v", first.Failed())
			}
			schema := dumpSchema(t, db)
			rowsBefore := tableCounts(t, db)

			second := m.Run(ctx)
			if second.State != StateCompleted {
				t.Fatalf("second run failed: %v", second.Failed())
			}
			for _, s := range second.Steps {
				if s.Changes != 0 {
					t.Errorf("second run step %s changed %d", s.Name, s.Changes)
				}
			}
			if got := dumpSchema(t, db); got != schema {
				t.Fatalf("schema changed on second run:\n%s\nvs\n%s", schema, got)
			}
			for table, n := range tableCounts(t, db) {
				if rowsBefore[table] != n {
					t.Errorf("%s rows %d -> %d", table, rowsBefore[table], n)
				}
			}
		})
	}
}

func TestRun_NoDataLoss(t *testing.T) {
	t.Run("v1", func(t *testing.T) {
		db := newDB(t, legacyV1...)
		ctx := context.Background()
		before := count(t, db, `SELECT SUM(amount_cents) FROM transactions`)

		newTestMigrator(db, true).Run(ctx)

		if after := count(t, db, `SELECT SUM(amount_cents) FROM transactions`); after != before {
			t.Fatalf("transaction total %d -> %d", before, after)
		}
		if n := count(t, db, `SELECT COUNT(*) FROM categories`); n != 4 {
			t.Fatalf("categories = %d, want 4", n)
		}
		if n := count(t, db, `SELECT COUNT(*) FROM methods`); n != 2 {
			t.Fatalf("methods = %d, want 2", n)
		}
		// Every transaction still resolves to its category and method.
		if n := count(t, db, `SELECT COUNT(*) FROM transactions t
			JOIN categories c ON c.id = t.category_id
			JOIN methods m ON m.id = t.method_id`); n != 5 {
			t.Fatalf("joined transactions = %d, want 5", n)
		}
	})

	t.Run("extra columns", func(t *testing.T) {
		db := newDB(t, legacyExtra...)
		ctx := context.Background()

		report := newTestMigrator(db, true).Run(ctx)
		if report.State != StateCompleted {
			t.Fatalf("state = %s, failed = %v", report.State, report.Failed())
		}
		rebuild, _ := report.Step(StepWidenUnique)
		if rebuild.Changes != 2 {
			t.Fatalf("rebuilt tables = %d, want 2", rebuild.Changes)
		}

		if n := count(t, db, `SELECT COUNT(*) FROM categories
			WHERE (name = 'Groceries' AND color = 'green' AND sort_order = 2)
			   OR (name = 'Rent' AND color = 'red' AND sort_order = 1)`); n != 2 {
			t.Fatalf("categories keeping color and sort_order = %d, want 2", n)
		}
		if n := count(t, db, `SELECT COUNT(*) FROM methods WHERE name = 'Card' AND last_four = '4242'`); n != 1 {
			t.Fatalf("methods keeping last_four = %d, want 1", n)
		}
		if n := count(t, db, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_methods_last_four'`); n != 1 {
			t.Fatal("index on methods.last_four lost")
		}
		if n := count(t, db, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'trigger' AND name = 'methods_last_four'`); n != 1 {
			t.Fatal("trigger on methods lost")
		}
		if n := count(t, db, `SELECT COUNT(*) FROM transactions t
			JOIN categories c ON c.id = t.category_id
			JOIN methods m ON m.id = t.method_id`); n != 2 {
			t.Fatalf("joined transactions = %d, want 2", n)
		}
	})
}

func TestRun_CashScenario(t *testing.T) {
	db := newDB(t, legacyV3...)
	ctx := context.Background()

	report := newTestMigrator(db, true).Run(ctx)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, failed = %v", report.State, report.Failed())
	}
	sys := systemOwnerID(t, db)

	if n := count(t, db, `SELECT COUNT(*) FROM methods WHERE name = 'Cash' AND user_id = ?`, sys); n != 1 {
		t.Fatalf("system Cash methods = %d, want 1", n)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM methods WHERE name = 'Cash' AND user_id = 1`); n != 1 {
		t.Fatalf("alice's Cash must survive, got %d", n)
	}
	if id := count(t, db, `SELECT id FROM methods WHERE user_id = ?`, sys); id != 1 {
		t.Fatalf("kept method id = %d, want earliest (1)", id)
	}
	if n := count(t, db, `SELECT method_id FROM transactions WHERE description = 'Market'`); n != 1 {
		t.Fatalf("transaction method_id = %d, want re-pointed to 1", n)
	}
	if n := count(t, db, `SELECT category_id FROM budgets`); n != 1 {
		t.Fatalf("budget category_id = %d, want re-pointed to 1", n)
	}
	if n := count(t, db, `SELECT COUNT(*) FROM categories`); n != 2 {
		t.Fatalf("categories = %d, want 2", n)
	}
	if n := nullOwners(t, db); n != 0 {
		t.Fatalf("%d rows still without owner", n)
	}

	backfill, _ := report.Step(StepBackfillOwners)
	if backfill.Changes == 0 {
		t.Fatal("backfill reported no changes")
	}
}

func TestRun_GroceriesScenario(t *testing.T) {
	db := newDB(t, legacyV2...)
	ctx := context.Background()

	if report := newTestMigrator(db, true).Run(ctx); report.State != StateCompleted {
		t.Fatalf("state = %s, failed = %v", report.State, report.Failed())
	}

	repo := storage.NewRepository(db)
	alice, err := repo.CreateUser(ctx, "alice", "alice@example.com", "pw")
	if err != nil {
		t.Fatalf("CreateUser() = %v", err)
	}
	groceries := core.Category{Name: "Groceries", Type: core.Expense, UserID: alice.ID}
	if _, err := repo.CreateCategory(ctx, groceries); err != nil {
		t.Fatalf("alice cannot create Groceries next to the system one: %v", err)
	}
	if _, err := repo.CreateCategory(ctx, groceries); err == nil {
		t.Fatal("duplicate Groceries for the same owner accepted")
	}
	if _, err := repo.CreateMethod(ctx, core.Method{Name: "Cash", UserID: alice.ID}); err != nil {
		t.Fatalf("alice cannot create Cash next to the system one: %v", err)
	}
}

func TestRun_WithoutOrphanAssignment(t *testing.T) {
	db := newDB(t, legacyV3...)
	ctx := context.Background()

	report := newTestMigrator(db, false).Run(ctx)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, failed = %v", report.State, report.Failed())
	}
	if n := count(t, db, `SELECT COUNT(*) FROM users WHERE username = ?`, storage.SystemUsername); n != 0 {
		t.Fatal("system owner created with orphan assignment disabled")
	}
	if n := nullOwners(t, db); n != 0 {
		t.Fatalf("%d unowned rows survived", n)
	}
	// Rows owned by alice are untouched.
	for _, table := range []string{"methods", "categories", "transactions"} {
		if n := count(t, db, `SELECT COUNT(*) FROM `+table+` WHERE user_id = 1`); n != 1 {
			t.Errorf("alice's %s = %d, want 1", table, n)
		}
	}
}

func TestRun_ProvisionFailureDeletesOrphansAndContinues(t *testing.T) {
	db := newDB(t, append(legacyV3,
		`INSERT INTO users (username, password_hash, is_system) VALUES ('__system__', 'hash', 0)`)...)
	ctx := context.Background()

	report := newTestMigrator(db, true).Run(ctx)

	if report.State != StateFailedContinuing {
		t.Fatalf("state = %s, want %s", report.State, StateFailedContinuing)
	}
	if failed := report.Failed(); len(failed) != 1 || failed[0] != StepProvisionOwner {
		t.Fatalf("failed steps = %v", failed)
	}
	for _, name := range []string{StepBackfillOwners, StepWidenUnique, StepOwnerIndexes} {
		if s, _ := report.Step(name); s.Status != StepOK {
			t.Errorf("step %s = %s after earlier failure", name, s.Status)
		}
	}
	if n := nullOwners(t, db); n != 0 {
		t.Fatalf("%d unowned rows survived without an owner", n)
	}
}

func TestRunStep_RecoversPanic(t *testing.T) {
	m := newTestMigrator(newDB(t), true)
	step := Step{Name: "explode", Run: func(context.Context) (int64, error) { panic("boom") }}

	result, err := m.runStep(context.Background(), m.log, step)
	if err == nil || result.Status != StepFailed || result.Error == "" {
		t.Fatalf("result = %+v, err = %v", result, err)
	}
}

func TestRunStep_ReportsError(t *testing.T) {
	m := newTestMigrator(newDB(t), true)
	want := errors.New("nope")
	step := Step{Name: "fails", Run: func(context.Context) (int64, error) { return 3, want }}

	result, err := m.runStep(context.Background(), m.log, step)
	if !errors.Is(err, want) || result.Status != StepFailed || result.Changes != 3 {
		t.Fatalf("result = %+v, err = %v", result, err)
	}
}

func dumpSchema(t *testing.T, db *storage.DB) string {
	t.Helper()
	rows, err := db.QueryContext(context.Background(),
		`SELECT type || ' ' || name || ' ' || COALESCE(sql, '') FROM sqlite_master ORDER BY type, name`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var out string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			t.Fatal(err)
		}
		out += line + "\n"
	}
	return out
}

func tableCounts(t *testing.T, db *storage.DB) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, table := range append([]string{"users"}, storage.OwnedTables...) {
		out[table] = count(t, db, `SELECT COUNT(*) FROM `+table)
	}
	return out
}

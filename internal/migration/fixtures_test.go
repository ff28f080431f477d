package migration

import (
	"context"
	"path/filepath"
	"testing"

	applog "budget/internal/log"
	"budget/internal/storage"
)

// v1: no owners, names globally unique, no users or budgets.
var legacyV1 = []string{
	`CREATE TABLE categories (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE methods (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL UNIQUE)`,
	`CREATE TABLE transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		description TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		type TEXT NOT NULL DEFAULT 'expense',
		category_id INTEGER,
		method_id INTEGER
	)`,
	`INSERT INTO categories (name) VALUES ('Groceries'), ('Salary'), ('Refunds'), ('Misc')`,
	`INSERT INTO methods (name) VALUES ('Cash'), ('Card')`,
	`INSERT INTO transactions (date, description, amount_cents, type, category_id, method_id) VALUES
		('2024-01-02', 'Market', 2350, 'expense', 1, 1),
		('2024-01-09', 'Market', 1800, 'expense', 1, 2),
		('2024-01-27', 'Paycheck', 250000, 'income', 2, 2),
		('2024-01-15', 'Sold chair', 4000, 'income', 4, 1),
		('2024-01-16', 'Stamps', 300, 'expense', 4, 1)`,
}

// v2: typed categories unique on (name, type), users without is_system.
var legacyV2 = []string{
	`CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, username TEXT NOT NULL UNIQUE, password_hash TEXT NOT NULL)`,
	`CREATE TABLE categories (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, type TEXT, icon TEXT, UNIQUE(name, type))`,
	`CREATE TABLE methods (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL UNIQUE, icon TEXT)`,
	`CREATE TABLE transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		description TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		type TEXT NOT NULL DEFAULT 'expense',
		category_id INTEGER,
		method_id INTEGER,
		notes TEXT
	)`,
	`INSERT INTO categories (name, type) VALUES ('Groceries', 'expense'), ('Salary', 'income')`,
	`INSERT INTO methods (name) VALUES ('Cash')`,
	`INSERT INTO transactions (date, description, amount_cents, type, category_id, method_id) VALUES
		('2024-02-01', 'Market', 1200, 'expense', 1, 1)`,
}

// v3: owner columns exist but legacy rows have none; NULL owners make the
// (name, user_id) keys non-colliding.
var legacyV3 = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT,
		email TEXT,
		is_system INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL, type TEXT, icon TEXT, user_id INTEGER,
		UNIQUE(name, type, user_id)
	)`,
	`CREATE TABLE methods (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL, icon TEXT, user_id INTEGER,
		UNIQUE(name, user_id)
	)`,
	`CREATE TABLE transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		description TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		type TEXT NOT NULL DEFAULT 'expense',
		category_id INTEGER,
		method_id INTEGER,
		notes TEXT,
		user_id INTEGER
	)`,
	`CREATE TABLE budgets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category_id INTEGER NOT NULL,
		month TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		user_id INTEGER
	)`,
	`INSERT INTO users (username, password_hash) VALUES ('alice', 'x')`,
	`INSERT INTO methods (id, name, user_id) VALUES (1, 'Cash', NULL), (2, 'Cash', NULL), (3, 'Cash', 1)`,
	`INSERT INTO categories (id, name, type, user_id) VALUES
		(1, 'Groceries', 'expense', NULL), (2, 'Groceries', 'expense', NULL), (3, 'Groceries', 'expense', 1)`,
	`INSERT INTO transactions (date, description, amount_cents, type, category_id, method_id, user_id) VALUES
		('2024-03-01', 'Market', 900, 'expense', 2, 2, NULL),
		('2024-03-02', 'Bakery', 450, 'expense', 3, 3, 1)`,
	`INSERT INTO budgets (category_id, month, amount_cents, user_id) VALUES (2, '2024-03', 30000, NULL)`,
}

// legacyExtra: v1 shape plus columns, an index and a trigger the current
// schema does not know about.
var legacyExtra = []string{
	`CREATE TABLE categories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		color TEXT DEFAULT 'grey',
		sort_order INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE methods (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL UNIQUE, last_four TEXT)`,
	`CREATE INDEX idx_methods_last_four ON methods(last_four)`,
	`CREATE TRIGGER methods_last_four AFTER INSERT ON methods
		BEGIN UPDATE methods SET last_four = substr(last_four, -4) WHERE id = NEW.id; END`,
	`CREATE TABLE transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		date TEXT NOT NULL,
		description TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		type TEXT NOT NULL DEFAULT 'expense',
		category_id INTEGER,
		method_id INTEGER
	)`,
	`INSERT INTO categories (name, color, sort_order) VALUES ('Groceries', 'green', 2), ('Rent', 'red', 1)`,
	`INSERT INTO methods (name, last_four) VALUES ('Card', '4242'), ('Cash', NULL)`,
	`INSERT INTO transactions (date, description, amount_cents, type, category_id, method_id) VALUES
		('2024-04-01', 'Market', 3100, 'expense', 1, 1),
		('2024-04-03', 'Landlord', 90000, 'expense', 2, 2)`,
}

func newDB(t *testing.T, stmts ...string) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("fixture %q: %v", stmt, err)
		}
	}
	return db
}

func newTestMigrator(db *storage.DB, assignOrphans bool) *Migrator {
	return New(db, applog.Discard(), Options{AssignOrphans: assignOrphans})
}

func count(t *testing.T, db *storage.DB, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
	return n
}

func systemOwnerID(t *testing.T, db *storage.DB) int64 {
	t.Helper()
	return count(t, db, `SELECT id FROM users WHERE username = ?`, storage.SystemUsername)
}

func nullOwners(t *testing.T, db *storage.DB) int64 {
	t.Helper()
	var total int64
	for _, table := range storage.OwnedTables {
		total += count(t, db, `SELECT COUNT(*) FROM `+table+` WHERE user_id IS NULL`)
	}
	return total
}

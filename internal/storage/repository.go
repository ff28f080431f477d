package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"budget/internal/core"
)

// SystemUsername is the reserved account that owns rows recorded before
// per-user ownership existed. It has no password and cannot log in.
const SystemUsername = "__system__"

// OwnedTables are the tables whose rows carry a user_id owner reference.
var OwnedTables = []string{"categories", "methods", "transactions", "budgets"}

var (
	ErrReservedUsername = errors.New("username is reserved")
	ErrInvalidLogin     = errors.New("invalid username or password")
	ErrNotFound         = errors.New("not found")
)

// Repository holds the owner-scoped queries used by the route handlers.
// Every query filters on user_id, which the startup migrator guarantees is
// present and populated.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// CreateUser registers a login-capable account.
func (r *Repository) CreateUser(ctx context.Context, username, email, password string) (core.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return core.User{}, core.ErrEmptyName
	}
	if strings.EqualFold(username, SystemUsername) {
		return core.User{}, ErrReservedUsername
	}
	if password == "" {
		return core.User{}, fmt.Errorf("password must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return core.User{}, fmt.Errorf("hash password: %w", err)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, is_system) VALUES (?, ?, ?, 0)`,
		username, email, string(hash))
	if err != nil {
		return core.User{}, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return core.User{}, fmt.Errorf("create user: %w", err)
	}

	slog.InfoContext(ctx, "User created", "id", id, "username", username)
	return core.User{ID: id, Username: username, Email: email}, nil
}

// VerifyPassword checks credentials. System accounts never verify.
func (r *Repository) VerifyPassword(ctx context.Context, username, password string) (core.User, error) {
	var (
		u    core.User
		hash sql.NullString
		mail sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, is_system FROM users WHERE username = ?`,
		username).Scan(&u.ID, &u.Username, &mail, &hash, &u.IsSystem)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, ErrInvalidLogin
	}
	if err != nil {
		return core.User{}, fmt.Errorf("get user: %w", err)
	}
	if u.IsSystem || !hash.Valid || hash.String == "" {
		return core.User{}, ErrInvalidLogin
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash.String), []byte(password)); err != nil {
		return core.User{}, ErrInvalidLogin
	}
	u.Email = mail.String
	return u, nil
}

func (r *Repository) CreateCategory(ctx context.Context, c core.Category) (core.Category, error) {
	if err := c.Validate(); err != nil {
		return core.Category{}, err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO categories (name, type, icon, user_id) VALUES (?, ?, ?, ?)`,
		c.Name, string(c.Type), nullString(c.Icon), c.UserID)
	if err != nil {
		return core.Category{}, fmt.Errorf("create category: %w", err)
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return core.Category{}, fmt.Errorf("create category: %w", err)
	}
	return c, nil
}

func (r *Repository) CreateMethod(ctx context.Context, m core.Method) (core.Method, error) {
	if err := m.Validate(); err != nil {
		return core.Method{}, err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO methods (name, icon, user_id) VALUES (?, ?, ?)`,
		m.Name, nullString(m.Icon), m.UserID)
	if err != nil {
		return core.Method{}, fmt.Errorf("create method: %w", err)
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return core.Method{}, fmt.Errorf("create method: %w", err)
	}
	return m, nil
}

func (r *Repository) CreateTransaction(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO transactions (date, description, amount_cents, type, category_id, method_id, notes, user_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Date.Format(core.DateLayout), t.Description, t.Amount.Cents, string(t.Type),
		nullID(t.CategoryID), nullID(t.MethodID), nullString(t.Notes), t.UserID)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}
	t.ID, err = res.LastInsertId()
	if err != nil {
		return core.Transaction{}, fmt.Errorf("create transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction saved",
		"id", t.ID,
		"user_id", t.UserID,
		"type", t.Type,
		"amount_cents", t.Amount.Cents)
	return t, nil
}

func (r *Repository) CreateBudget(ctx context.Context, b core.Budget) (core.Budget, error) {
	if err := b.Validate(); err != nil {
		return core.Budget{}, err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO budgets (category_id, month, amount_cents, user_id) VALUES (?, ?, ?, ?)`,
		b.CategoryID, b.Month, b.Amount.Cents, b.UserID)
	if err != nil {
		return core.Budget{}, fmt.Errorf("create budget: %w", err)
	}
	b.ID, err = res.LastInsertId()
	if err != nil {
		return core.Budget{}, fmt.Errorf("create budget: %w", err)
	}
	return b, nil
}

// ListCategories returns the owner's categories ordered by type then name.
func (r *Repository) ListCategories(ctx context.Context, userID int64) ([]core.Category, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(type, ''), COALESCE(icon, ''), user_id
		 FROM categories WHERE user_id = ? ORDER BY type, name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		var c core.Category
		var typ string
		if err := rows.Scan(&c.ID, &c.Name, &typ, &c.Icon, &c.UserID); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		c.Type = core.TxType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListMethods returns the owner's payment methods ordered by name.
func (r *Repository) ListMethods(ctx context.Context, userID int64) ([]core.Method, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(icon, ''), user_id FROM methods WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list methods: %w", err)
	}
	defer rows.Close()

	var out []core.Method
	for rows.Next() {
		var m core.Method
		if err := rows.Scan(&m.ID, &m.Name, &m.Icon, &m.UserID); err != nil {
			return nil, fmt.Errorf("scan method: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MonthSummary aggregates one owner's transactions for a YYYY-MM month.
func (r *Repository) MonthSummary(ctx context.Context, userID int64, month string) (core.MonthSummary, error) {
	summary := core.MonthSummary{Month: month}
	if !core.ValidMonth(month) {
		return summary, core.ErrInvalidMonth
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT t.type, COALESCE(c.name, ''), SUM(t.amount_cents)
		 FROM transactions t
		 LEFT JOIN categories c ON c.id = t.category_id
		 WHERE t.user_id = ? AND substr(t.date, 1, 7) = ?
		 GROUP BY t.type, c.name
		 ORDER BY t.type, SUM(t.amount_cents) DESC`, userID, month)
	if err != nil {
		return summary, fmt.Errorf("month summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			typ   string
			name  string
			total int64
		)
		if err := rows.Scan(&typ, &name, &total); err != nil {
			return summary, fmt.Errorf("scan month summary: %w", err)
		}
		switch core.TxType(typ) {
		case core.Income:
			summary.Income.Cents += total
		default:
			summary.Expenses.Cents += total
		}
		summary.ByCategory = append(summary.ByCategory, core.CategoryAmount{
			Name:   name,
			Type:   core.TxType(typ),
			Amount: core.Money{Cents: total},
		})
	}
	return summary, rows.Err()
}

// UnownedCounts reports, per owned table, how many rows still lack an
// owner. A table without a user_id column counts all its rows; a missing
// table is left out.
func (r *Repository) UnownedCounts(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(OwnedTables))
	for _, table := range OwnedTables {
		var tables int
		if err := r.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&tables); err != nil {
			return nil, fmt.Errorf("check table %s: %w", table, err)
		}
		if tables == 0 {
			continue
		}

		var hasOwner int
		if err := r.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = 'user_id'`, table).Scan(&hasOwner); err != nil {
			return nil, fmt.Errorf("check owner column on %s: %w", table, err)
		}

		query := fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE user_id IS NULL`, table)
		if hasOwner == 0 {
			query = fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)
		}
		var n int64
		if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			return nil, fmt.Errorf("count unowned %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id > 0}
}

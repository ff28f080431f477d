package core

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

const (
	Income  TxType = "income"
	Expense TxType = "expense"
)

// DateLayout is the on-disk layout of transaction dates.
const DateLayout = "2006-01-02"

type (
	// TxType classifies a transaction or category as money in or money out.
	TxType string

	Money struct {
		Cents int64
	}

	User struct {
		ID       int64
		Username string
		Email    string
		IsSystem bool // ownership sentinel, never login-capable
	}

	Category struct {
		ID     int64
		Name   string
		Type   TxType
		Icon   string
		UserID int64
	}

	Method struct {
		ID     int64
		Name   string
		Icon   string
		UserID int64
	}

	Transaction struct {
		ID          int64
		Date        time.Time
		Description string
		Amount      Money
		Type        TxType
		CategoryID  int64 // 0 when uncategorized
		MethodID    int64 // 0 when no payment method
		Notes       string
		UserID      int64
	}

	Budget struct {
		ID         int64
		CategoryID int64
		Month      string // YYYY-MM
		Amount     Money
		UserID     int64
	}
)

var (
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidType      = errors.New("invalid transaction type")
	ErrInvalidDate      = errors.New("invalid date")
	ErrInvalidMonth     = errors.New("invalid month")
	ErrEmptyDescription = errors.New("empty description")
	ErrEmptyName        = errors.New("empty name")
	ErrMissingOwner     = errors.New("missing owner")
)

var monthPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

// Valid reports whether t is one of the known transaction types.
func (t TxType) Valid() bool {
	return t == Income || t == Expense
}

// ParseTxType normalizes free-form legacy values ("Income", " expense ").
func ParseTxType(s string) (TxType, error) {
	t := TxType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", ErrInvalidType
	}
	return t, nil
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	if !c.Type.Valid() {
		return ErrInvalidType
	}
	if c.UserID <= 0 {
		return ErrMissingOwner
	}
	return nil
}

func (m Method) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return ErrEmptyName
	}
	if m.UserID <= 0 {
		return ErrMissingOwner
	}
	return nil
}

func (t Transaction) Validate() error {
	if t.Date.IsZero() {
		return ErrInvalidDate
	}
	if len(strings.TrimSpace(t.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(t.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if err := t.Amount.Validate(); err != nil {
		return err
	}
	if !t.Type.Valid() {
		return ErrInvalidType
	}
	if t.UserID <= 0 {
		return ErrMissingOwner
	}
	return nil
}

// ValidMonth reports whether s is a YYYY-MM month key.
func ValidMonth(s string) bool {
	return monthPattern.MatchString(s)
}

func (b Budget) Validate() error {
	if !ValidMonth(b.Month) {
		return ErrInvalidMonth
	}
	if err := b.Amount.Validate(); err != nil {
		return err
	}
	if b.CategoryID <= 0 {
		return errors.New("budget needs a category")
	}
	if b.UserID <= 0 {
		return ErrMissingOwner
	}
	return nil
}

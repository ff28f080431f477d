// Package core holds the budget domain types and money handling.
//
// Amounts are always integer cents; floats appear only at the display edge.
package core

import (
	"fmt"
	"strconv"
	"strings"
)

// maxWholeUnits keeps units*100 inside int64.
const maxWholeUnits = (1<<63 - 1) / 100

// ParseDecimalToCents converts a user-entered decimal amount to cents.
//
// Both "12.34" and "12,34" are accepted. A third fractional digit rounds
// half-up; further digits are ignored. Signs, zero and malformed input
// yield ErrInvalidAmount.
//
//	ParseDecimalToCents("12,34")  -> 1234
//	ParseDecimalToCents("12.345") -> 1235
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" || strings.ContainsAny(s[:1], "+-") {
		return 0, ErrInvalidAmount
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if hasFrac && strings.Contains(frac, ".") {
		return 0, ErrInvalidAmount
	}
	if whole == "" {
		whole = "0"
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, ErrInvalidAmount
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || units > maxWholeUnits {
		return 0, ErrInvalidAmount
	}

	var cents int64
	for i := 0; i < 2 && i < len(frac); i++ {
		digit := int64(frac[i] - '0')
		if i == 0 {
			digit *= 10
		}
		cents += digit
	}
	if len(frac) > 2 && frac[2] >= '5' {
		cents++
	}

	total := units*100 + cents
	if total <= 0 {
		return 0, ErrInvalidAmount
	}
	return total, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// String renders the amount with two decimals, e.g. "12.05" or "-3.40".
func (m Money) String() string {
	c := m.Cents
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// Units returns the amount as a float for display only.
func (m Money) Units() float64 {
	return float64(m.Cents) / 100.0
}

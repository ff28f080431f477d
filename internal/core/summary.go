package core

// CategoryAmount is an amount aggregated by category name.
type CategoryAmount struct {
	Name   string
	Type   TxType
	Amount Money
}

// MonthSummary is the dashboard aggregate for one owner and one YYYY-MM month.
type MonthSummary struct {
	Month      string
	Income     Money
	Expenses   Money
	ByCategory []CategoryAmount
}

// Balance is income minus expenses; it can be negative.
func (s MonthSummary) Balance() Money {
	return Money{Cents: s.Income.Cents - s.Expenses.Cents}
}

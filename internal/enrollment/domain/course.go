package domain

import "github.com/shopspring/decimal"

// Course is the part of the catalog the payment pipeline needs.
type Course struct {
	ID        string
	Title     string
	Price     decimal.Decimal
	Currency  string
	Published bool
}

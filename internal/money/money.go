// Package money provides decimal amount helpers for the settlement ledger.
//
// All amounts are stored as NUMERIC(20,2) in Postgres and handled as
// shopspring decimals in Go. Floats never touch money.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// CommissionRate is the platform's cut of a seller credit, applied at
// settlement time (not at purchase time).
var CommissionRate = decimal.NewFromFloat(0.10)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse parses a decimal amount string such as "100" or "99.50".
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// MustParse parses an amount string and panics on failure. Test helper.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Commission computes the platform commission on a seller credit,
// rounded to 2 decimal places.
func Commission(credit decimal.Decimal) decimal.Decimal {
	return credit.Mul(CommissionRate).Round(2)
}

// NetPayout computes the seller payout after commission.
func NetPayout(credit decimal.Decimal) decimal.Decimal {
	return credit.Sub(Commission(credit))
}

// FromCents converts an integer minor-unit amount (e.g. a gateway amount
// in cents) into a decimal major-unit amount.
func FromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}

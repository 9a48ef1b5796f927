// Package wallet models the externally-owned wallet store that consumes
// balance-change events from the ledger service.
//
// The ledger never mutates wallet state directly; the only write path is
// the event bus. Because delivery is at-least-once and failed processing
// is discarded without requeue, every mutation is keyed by the ledger
// transaction ID and duplicates are ignored.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrWalletNotFound is returned when a user has no wallet row.
var ErrWalletNotFound = errors.New("wallet not found")

// Balance is a user's wallet balance.
type Balance struct {
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists wallet balances with idempotent application.
type Store interface {
	// Apply adjusts a user's balance by delta. transactionID deduplicates
	// at-least-once deliveries: a repeated ID is a silent no-op and
	// applied=false comes back.
	Apply(ctx context.Context, userID string, delta decimal.Decimal, transactionID string) (applied bool, err error)

	// GetBalance returns a user's current balance. A user with no history
	// has a zero balance.
	GetBalance(ctx context.Context, userID string) (*Balance, error)
}

// Package ledger is the source of truth for course purchases and the
// escrow transaction ledger.
//
// Flow:
//  1. Payment gateway confirms a purchase
//  2. Engine records a buyer debit (completed) and a seller credit (pending, escrowed)
//  3. A dispute may force the pending credit into reported
//  4. The settlement scheduler matures unpaused, time-expired credits
//  5. Wallet balance changes propagate through the event bus
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDuplicatePurchase = errors.New("purchase already exists for buyer and course")
	ErrAlreadySubscribed = errors.New("purchase is already a subscription")
	ErrNotRefundable     = errors.New("sale credit is not in reported status")
	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrCreditNotFound    = errors.New("sale credit not found")
	ErrUnknownReference  = errors.New("unknown external reference")
	ErrNotMatured        = errors.New("safe period has not expired")

	// ErrStorageConflict is a compare-and-set miss: the row's status changed
	// under us. Expected under concurrency, never surfaced to users.
	ErrStorageConflict = errors.New("status changed concurrently")
)

// PurchaseKind distinguishes free enrollments from paid subscriptions.
type PurchaseKind string

const (
	KindFreemium     PurchaseKind = "freemium"
	KindSubscription PurchaseKind = "subscription"
)

// TransactionKind is the ledger row type.
type TransactionKind string

const (
	TxPurchaseDebit TransactionKind = "purchase_debit"
	TxSaleCredit    TransactionKind = "sale_credit"
	TxCommission    TransactionKind = "commission"
	TxPayout        TransactionKind = "payout"
	TxRefund        TransactionKind = "refund"
)

// Status is a transaction lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDebited   Status = "debited"
	StatusCredited  Status = "credited"
	StatusRefunded  Status = "refunded"
	StatusReported  Status = "reported"
)

// Purchase is one enrollment of a buyer in a course. Unique per
// (buyer, course); the only permitted mutation is an in-place upgrade
// from freemium to subscription.
type Purchase struct {
	ID          string           `json:"id"`
	BuyerID     string           `json:"buyerId"`
	CourseID    string           `json:"courseId"`
	SellerID    string           `json:"sellerId"`
	Kind        PurchaseKind     `json:"kind"`
	Price       *decimal.Decimal `json:"price,omitempty"`    // nil for freemium
	HoldDays    *int             `json:"holdDays,omitempty"` // nil for freemium
	ExternalRef string           `json:"externalRef,omitempty"`
	Completed   bool             `json:"completed"`
	PurchasedAt time.Time        `json:"purchasedAt"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// SafePeriodExpiry returns the end of the escrow hold period, or zero time
// for purchases without a hold.
func (p *Purchase) SafePeriodExpiry() time.Time {
	if p.HoldDays == nil {
		return time.Time{}
	}
	return p.PurchasedAt.AddDate(0, 0, *p.HoldDays)
}

// EscrowMatured reports whether the hold period has elapsed.
func (p *Purchase) EscrowMatured(now time.Time) bool {
	exp := p.SafePeriodExpiry()
	return !exp.IsZero() && now.After(exp)
}

// Transaction is an append-mostly ledger row. Amounts are signed: debits
// and commissions are negative, credits positive.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Kind        TransactionKind   `json:"kind"`
	Amount      decimal.Decimal   `json:"amount"`
	Status      Status            `json:"status"`
	PurchaseID  string            `json:"purchaseId,omitempty"`
	ExternalRef string            `json:"externalRef,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// MaturedCredit is a pending sale credit joined with its purchase,
// eligible for settlement.
type MaturedCredit struct {
	Credit   *Transaction
	Purchase *Purchase
}

// Store persists purchases and transactions. Every method is a single
// atomic unit of work; status transitions use compare-and-set semantics
// (UPDATE ... WHERE status = expected) and return ErrStorageConflict when
// zero rows match. Blind overwrites are forbidden.
type Store interface {
	// CreatePurchase inserts a purchase plus its debit/credit pair in one
	// transaction. txns is empty for freemium enrollments. Returns
	// ErrDuplicatePurchase on a (buyer, course) uniqueness violation.
	CreatePurchase(ctx context.Context, p *Purchase, txns ...*Transaction) error

	// UpgradePurchase mutates kind/price/hold/external-ref in place and
	// inserts the new subscription debit/credit pair, atomically. The
	// update is guarded on the stored row still being freemium; a
	// concurrent upgrade that already won surfaces as ErrAlreadySubscribed.
	UpgradePurchase(ctx context.Context, p *Purchase, txns ...*Transaction) error

	GetPurchase(ctx context.Context, buyerID, courseID string) (*Purchase, error)
	GetPurchaseByID(ctx context.Context, id string) (*Purchase, error)

	// GetSaleCredit returns the sale_credit row for a purchase.
	GetSaleCredit(ctx context.Context, purchaseID string) (*Transaction, error)

	// FindByExternalRef returns any transaction carrying the given gateway
	// reference, for idempotent webhook processing.
	FindByExternalRef(ctx context.Context, ref string) (*Transaction, error)

	// TransitionStatus moves a transaction from an expected status to a new
	// one. ErrStorageConflict if the row is no longer in the expected status.
	TransitionStatus(ctx context.Context, txnID string, from, to Status) error

	// SettleCredit transitions the credit pending→credited, stores the
	// settlement metadata on it, and inserts the commission row, all in one
	// transaction guarded by the compare-and-set.
	SettleCredit(ctx context.Context, creditID string, metadata map[string]string, commission *Transaction) error

	// RefundPurchase flips the completed debit and the reported credit to
	// refunded with negated amounts, guarded by a compare-and-set on the
	// credit's reported status.
	RefundPurchase(ctx context.Context, purchaseID string) (debit, credit *Transaction, err error)

	// ListMatured returns pending sale credits whose purchase hold period
	// expired before now.
	ListMatured(ctx context.Context, now time.Time, limit int) ([]*MaturedCredit, error)

	// ListByUser returns a user's transaction history, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*Transaction, error)

	// SumByPurchase returns the sum of all transaction amounts referencing
	// a purchase. Zero for purchases in a terminal state is the core
	// balance invariant.
	SumByPurchase(ctx context.Context, purchaseID string) (decimal.Decimal, error)
}

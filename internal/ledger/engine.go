package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coursepay/coursepay/internal/events"
	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/money"
	"github.com/coursepay/coursepay/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	purchasesRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "ledger",
		Name:      "purchases_total",
		Help:      "Total purchases recorded by kind.",
	}, []string{"kind"})

	creditsSettled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "ledger",
		Name:      "credits_settled_total",
		Help:      "Total sale credits settled.",
	})

	refundsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "ledger",
		Name:      "refunds_total",
		Help:      "Total purchases refunded.",
	})

	settleConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "ledger",
		Name:      "settle_conflicts_total",
		Help:      "Settlement attempts lost to a concurrent status transition.",
	})
)

func init() {
	prometheus.MustRegister(purchasesRecorded, creditsSettled, refundsRecorded, settleConflicts)
}

// Engine executes ledger state transitions. Every operation is one atomic
// unit of work at the store and returns the affected rows plus the events
// the caller must publish after the operation has committed. The engine
// itself never publishes.
type Engine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a ledger engine.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the engine's time source. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// PurchaseParams describes a confirmed paid purchase.
type PurchaseParams struct {
	BuyerID     string
	CourseID    string
	SellerID    string
	Price       decimal.Decimal
	HoldDays    int
	ExternalRef string
}

// PurchaseResult is the outcome of recording or upgrading a purchase.
type PurchaseResult struct {
	Purchase *Purchase
	Debit    *Transaction
	Credit   *Transaction
	Events   []events.Event
}

// RecordPurchase creates a purchase with its debit/credit pair: a buyer
// debit (negative, completed) and a seller credit (positive, pending,
// escrowed until the hold period elapses). Returns ErrDuplicatePurchase
// when a purchase for the (buyer, course) pair already exists.
func (e *Engine) RecordPurchase(ctx context.Context, params PurchaseParams) (*PurchaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.RecordPurchase",
		traces.CourseID(params.CourseID), traces.Amount(params.Price.String()))
	defer span.End()

	if params.Price.Sign() <= 0 {
		return nil, fmt.Errorf("purchase price must be positive, got %s", params.Price)
	}

	now := e.now()
	hold := params.HoldDays
	price := params.Price
	purchase := &Purchase{
		ID:          idgen.WithPrefix("pur_"),
		BuyerID:     params.BuyerID,
		CourseID:    params.CourseID,
		SellerID:    params.SellerID,
		Kind:        KindSubscription,
		Price:       &price,
		HoldDays:    &hold,
		ExternalRef: params.ExternalRef,
		Completed:   true,
		PurchasedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	debit, credit := e.purchasePair(purchase, params, now)
	if err := e.store.CreatePurchase(ctx, purchase, debit, credit); err != nil {
		return nil, err
	}

	purchasesRecorded.WithLabelValues(string(KindSubscription)).Inc()
	return &PurchaseResult{
		Purchase: purchase,
		Debit:    debit,
		Credit:   credit,
		Events: []events.Event{
			events.WalletDebit{UserID: purchase.BuyerID, TransactionID: debit.ID, Amount: params.Price},
			events.PurchaseCompleted{
				PurchaseID: purchase.ID,
				BuyerID:    purchase.BuyerID,
				CourseID:   purchase.CourseID,
				Kind:       string(purchase.Kind),
			},
		},
	}, nil
}

// EnrollFree creates a freemium purchase. No money moves, so no
// transactions are written.
func (e *Engine) EnrollFree(ctx context.Context, buyerID, courseID, sellerID string) (*Purchase, []events.Event, error) {
	now := e.now()
	purchase := &Purchase{
		ID:          idgen.WithPrefix("pur_"),
		BuyerID:     buyerID,
		CourseID:    courseID,
		SellerID:    sellerID,
		Kind:        KindFreemium,
		Completed:   true,
		PurchasedAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.store.CreatePurchase(ctx, purchase); err != nil {
		return nil, nil, err
	}

	purchasesRecorded.WithLabelValues(string(KindFreemium)).Inc()
	evs := []events.Event{events.PurchaseCompleted{
		PurchaseID: purchase.ID,
		BuyerID:    purchase.BuyerID,
		CourseID:   purchase.CourseID,
		Kind:       string(purchase.Kind),
	}}
	return purchase, evs, nil
}

// UpgradePurchase converts a freemium purchase to a subscription in place
// (same row, new payment reference) and records the new debit/credit pair.
// The only legal mutation of purchase kind. Returns ErrAlreadySubscribed
// if the purchase is already a subscription.
func (e *Engine) UpgradePurchase(ctx context.Context, existing *Purchase, params PurchaseParams) (*PurchaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.UpgradePurchase", traces.PurchaseID(existing.ID))
	defer span.End()

	if existing.Kind != KindFreemium {
		return nil, ErrAlreadySubscribed
	}
	if params.Price.Sign() <= 0 {
		return nil, fmt.Errorf("purchase price must be positive, got %s", params.Price)
	}

	now := e.now()
	hold := params.HoldDays
	price := params.Price
	existing.Kind = KindSubscription
	existing.Price = &price
	existing.HoldDays = &hold
	existing.ExternalRef = params.ExternalRef
	existing.PurchasedAt = now
	existing.UpdatedAt = now

	debit, credit := e.purchasePair(existing, params, now)
	if err := e.store.UpgradePurchase(ctx, existing, debit, credit); err != nil {
		return nil, err
	}

	purchasesRecorded.WithLabelValues("upgrade").Inc()
	return &PurchaseResult{
		Purchase: existing,
		Debit:    debit,
		Credit:   credit,
		Events: []events.Event{
			events.WalletDebit{UserID: existing.BuyerID, TransactionID: debit.ID, Amount: params.Price},
			events.PurchaseCompleted{
				PurchaseID: existing.ID,
				BuyerID:    existing.BuyerID,
				CourseID:   existing.CourseID,
				Kind:       string(existing.Kind),
			},
		},
	}, nil
}

func (e *Engine) purchasePair(p *Purchase, params PurchaseParams, now time.Time) (debit, credit *Transaction) {
	debit = &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      params.BuyerID,
		Kind:        TxPurchaseDebit,
		Amount:      params.Price.Neg(),
		Status:      StatusCompleted,
		PurchaseID:  p.ID,
		ExternalRef: params.ExternalRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	credit = &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		UserID:      params.SellerID,
		Kind:        TxSaleCredit,
		Amount:      params.Price,
		Status:      StatusPending,
		PurchaseID:  p.ID,
		ExternalRef: params.ExternalRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return debit, credit
}

// SettleResult is the outcome of settling one matured credit.
type SettleResult struct {
	Credit     *Transaction
	Commission *Transaction
	NetPayout  decimal.Decimal
	Events     []events.Event
}

// SettleMatured matures a pending sale credit: computes the commission at
// settlement time, inserts the commission row, and transitions the credit
// pending→credited with {commission, netPayout} metadata.
//
// The pending precondition is the sole concurrency guard against a racing
// dispute: if the credit was moved to reported first, the store's
// compare-and-set misses and ErrStorageConflict comes back. Callers log
// and skip; the row is retried on the next scheduled pass if it ever
// returns to pending.
func (e *Engine) SettleMatured(ctx context.Context, mc *MaturedCredit) (*SettleResult, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.SettleMatured", traces.TransactionID(mc.Credit.ID))
	defer span.End()

	if mc.Credit.Status != StatusPending {
		return nil, ErrStorageConflict
	}
	if !mc.Purchase.EscrowMatured(e.now()) {
		return nil, ErrNotMatured
	}

	commission := money.Commission(mc.Credit.Amount)
	net := mc.Credit.Amount.Sub(commission)
	now := e.now()

	commissionRow := &Transaction{
		ID:         idgen.WithPrefix("txn_"),
		UserID:     mc.Purchase.SellerID,
		Kind:       TxCommission,
		Amount:     commission.Neg(),
		Status:     StatusCompleted,
		PurchaseID: mc.Purchase.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	metadata := map[string]string{
		"commission": commission.String(),
		"netPayout":  net.String(),
	}

	if err := e.store.SettleCredit(ctx, mc.Credit.ID, metadata, commissionRow); err != nil {
		if err == ErrStorageConflict {
			settleConflicts.Inc()
		}
		return nil, err
	}

	mc.Credit.Status = StatusCredited
	mc.Credit.Metadata = metadata
	mc.Credit.UpdatedAt = now

	creditsSettled.Inc()
	return &SettleResult{
		Credit:     mc.Credit,
		Commission: commissionRow,
		NetPayout:  net,
		Events: []events.Event{
			events.WalletCredit{UserID: mc.Purchase.SellerID, TransactionID: mc.Credit.ID, Amount: net},
			events.CreditSettled{
				TransactionID: mc.Credit.ID,
				SellerID:      mc.Purchase.SellerID,
				NetPayout:     net,
				Commission:    commission,
			},
		},
	}, nil
}

// RefundResult is the outcome of refunding a reported purchase.
type RefundResult struct {
	Debit  *Transaction
	Credit *Transaction
	Events []events.Event
}

// RecordRefund reverses a purchase whose sale credit is in reported
// status: the original debit flips to refunded with a negated amount (the
// buyer gets the money back) and the reported credit flips to refunded
// with a negated amount. Returns ErrNotRefundable when the credit is not
// reported — already settled, or freemium.
func (e *Engine) RecordRefund(ctx context.Context, purchase *Purchase) (*RefundResult, error) {
	ctx, span := traces.StartSpan(ctx, "ledger.RecordRefund", traces.PurchaseID(purchase.ID))
	defer span.End()

	if purchase.Kind == KindFreemium {
		return nil, ErrNotRefundable
	}

	debit, credit, err := e.store.RefundPurchase(ctx, purchase.ID)
	if err != nil {
		return nil, err
	}

	refundsRecorded.Inc()
	amount := debit.Amount // now positive: the reversal credited back to the buyer
	return &RefundResult{
		Debit:  debit,
		Credit: credit,
		Events: []events.Event{
			events.WalletCredit{UserID: purchase.BuyerID, TransactionID: debit.ID, Amount: amount},
			events.WalletDebit{UserID: purchase.SellerID, TransactionID: credit.ID, Amount: amount},
		},
	}, nil
}

// MarkReported forces a purchase's pending sale credit into reported
// status, excluding it from settlement while the dispute is open. A
// compare-and-set miss (the scheduler settled it first) returns
// ErrStorageConflict.
func (e *Engine) MarkReported(ctx context.Context, purchaseID string) (*Transaction, error) {
	credit, err := e.store.GetSaleCredit(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if err := e.store.TransitionStatus(ctx, credit.ID, StatusPending, StatusReported); err != nil {
		return nil, err
	}
	credit.Status = StatusReported
	return credit, nil
}

// ResetDisputeToPending reverts a reported credit back to pending after a
// report is rejected or resolved without refund. No-op if the credit is
// already pending.
func (e *Engine) ResetDisputeToPending(ctx context.Context, purchaseID string) error {
	credit, err := e.store.GetSaleCredit(ctx, purchaseID)
	if err != nil {
		return err
	}
	if credit.Status == StatusPending {
		return nil
	}
	if err := e.store.TransitionStatus(ctx, credit.ID, StatusReported, StatusPending); err != nil {
		if err == ErrStorageConflict {
			e.logger.Warn("reset to pending skipped, credit no longer reported",
				"creditId", credit.ID, "status", credit.Status)
			return nil
		}
		return err
	}
	return nil
}

// Store exposes the engine's store for read paths (history, balance checks).
func (e *Engine) Store() Store {
	return e.store
}

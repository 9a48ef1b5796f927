package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coursepay/coursepay/internal/money"
	"github.com/coursepay/coursepay/internal/testutil"
)

func pgEngine(t *testing.T, now time.Time) (*Engine, *PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(store, logger).WithClock(func() time.Time { return now })
	return engine, store, cleanup
}

var pgBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestPostgresPurchaseLifecycle(t *testing.T) {
	engine, store, cleanup := pgEngine(t, pgBase)
	defer cleanup()
	ctx := context.Background()

	result, err := engine.RecordPurchase(ctx, PurchaseParams{
		BuyerID:     "buyer-1",
		CourseID:    "course-1",
		SellerID:    "seller-1",
		Price:       money.MustParse("100"),
		HoldDays:    7,
		ExternalRef: "cs_pg_1",
	})
	if err != nil {
		t.Fatalf("RecordPurchase: %v", err)
	}

	got, err := store.GetPurchaseByID(ctx, result.Purchase.ID)
	if err != nil {
		t.Fatalf("GetPurchaseByID: %v", err)
	}
	if got.Kind != KindSubscription || got.BuyerID != "buyer-1" {
		t.Errorf("purchase = %+v", got)
	}
	if got.Price == nil || !got.Price.Equal(money.MustParse("100")) {
		t.Errorf("price = %v", got.Price)
	}

	if _, err := store.FindByExternalRef(ctx, "cs_pg_1"); err != nil {
		t.Errorf("FindByExternalRef: %v", err)
	}
	if _, err := store.FindByExternalRef(ctx, "cs_unknown"); !errors.Is(err, ErrUnknownReference) {
		t.Errorf("unknown ref = %v, want ErrUnknownReference", err)
	}

	// The debit/credit pair nets to zero while the credit is in escrow.
	sum, err := store.SumByPurchase(ctx, result.Purchase.ID)
	if err != nil {
		t.Fatalf("SumByPurchase: %v", err)
	}
	if !sum.IsZero() {
		t.Errorf("sum = %s, want 0", sum)
	}

	// The UNIQUE(buyer_id, course_id) constraint backs duplicate detection.
	_, err = engine.RecordPurchase(ctx, PurchaseParams{
		BuyerID:     "buyer-1",
		CourseID:    "course-1",
		SellerID:    "seller-1",
		Price:       money.MustParse("100"),
		HoldDays:    7,
		ExternalRef: "cs_pg_2",
	})
	if !errors.Is(err, ErrDuplicatePurchase) {
		t.Errorf("duplicate = %v, want ErrDuplicatePurchase", err)
	}
}

func TestPostgresTransitionStatusConflict(t *testing.T) {
	engine, store, cleanup := pgEngine(t, pgBase)
	defer cleanup()
	ctx := context.Background()

	result, err := engine.RecordPurchase(ctx, PurchaseParams{
		BuyerID:     "buyer-1",
		CourseID:    "course-1",
		SellerID:    "seller-1",
		Price:       money.MustParse("100"),
		HoldDays:    7,
		ExternalRef: "cs_pg_1",
	})
	if err != nil {
		t.Fatalf("RecordPurchase: %v", err)
	}

	credit, err := store.GetSaleCredit(ctx, result.Purchase.ID)
	if err != nil {
		t.Fatalf("GetSaleCredit: %v", err)
	}

	if err := store.TransitionStatus(ctx, credit.ID, StatusPending, StatusReported); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// The row left pending already; the stale writer loses.
	err = store.TransitionStatus(ctx, credit.ID, StatusPending, StatusCredited)
	if !errors.Is(err, ErrStorageConflict) {
		t.Errorf("stale transition = %v, want ErrStorageConflict", err)
	}
}

func TestPostgresSettleMatured(t *testing.T) {
	engine, store, cleanup := pgEngine(t, pgBase)
	defer cleanup()
	ctx := context.Background()

	result, err := engine.RecordPurchase(ctx, PurchaseParams{
		BuyerID:     "buyer-1",
		CourseID:    "course-1",
		SellerID:    "seller-1",
		Price:       money.MustParse("100"),
		HoldDays:    7,
		ExternalRef: "cs_pg_1",
	})
	if err != nil {
		t.Fatalf("RecordPurchase: %v", err)
	}

	day8 := pgBase.AddDate(0, 0, 8)
	engine.WithClock(func() time.Time { return day8 })

	// Nothing matured before the hold expires.
	early, err := store.ListMatured(ctx, pgBase.AddDate(0, 0, 3), 10)
	if err != nil {
		t.Fatalf("ListMatured early: %v", err)
	}
	if len(early) != 0 {
		t.Fatalf("matured on day 3 = %d, want 0", len(early))
	}

	matured, err := store.ListMatured(ctx, day8, 10)
	if err != nil {
		t.Fatalf("ListMatured: %v", err)
	}
	if len(matured) != 1 {
		t.Fatalf("matured on day 8 = %d, want 1", len(matured))
	}

	settle, err := engine.SettleMatured(ctx, matured[0])
	if err != nil {
		t.Fatalf("SettleMatured: %v", err)
	}
	if !settle.Commission.Amount.Equal(money.MustParse("-10")) {
		t.Errorf("commission = %s, want -10", settle.Commission.Amount)
	}

	credit, err := store.GetSaleCredit(ctx, result.Purchase.ID)
	if err != nil {
		t.Fatalf("GetSaleCredit: %v", err)
	}
	if credit.Status != StatusCredited {
		t.Errorf("credit status = %s, want credited", credit.Status)
	}
	if credit.Metadata["commission"] != "10" || credit.Metadata["netPayout"] != "90" {
		t.Errorf("metadata = %v", credit.Metadata)
	}

	// Residual equals the commission the platform kept.
	sum, err := store.SumByPurchase(ctx, result.Purchase.ID)
	if err != nil {
		t.Fatalf("SumByPurchase: %v", err)
	}
	if !sum.Equal(money.MustParse("-10")) {
		t.Errorf("sum = %s, want -10", sum)
	}
}

func TestPostgresRefundAfterReport(t *testing.T) {
	engine, store, cleanup := pgEngine(t, pgBase)
	defer cleanup()
	ctx := context.Background()

	result, err := engine.RecordPurchase(ctx, PurchaseParams{
		BuyerID:     "buyer-1",
		CourseID:    "course-1",
		SellerID:    "seller-1",
		Price:       money.MustParse("100"),
		HoldDays:    7,
		ExternalRef: "cs_pg_1",
	})
	if err != nil {
		t.Fatalf("RecordPurchase: %v", err)
	}

	if _, err := engine.MarkReported(ctx, result.Purchase.ID); err != nil {
		t.Fatalf("MarkReported: %v", err)
	}
	if _, err := engine.RecordRefund(ctx, result.Purchase); err != nil {
		t.Fatalf("RecordRefund: %v", err)
	}

	sum, err := store.SumByPurchase(ctx, result.Purchase.ID)
	if err != nil {
		t.Fatalf("SumByPurchase: %v", err)
	}
	if !sum.IsZero() {
		t.Errorf("sum after refund = %s, want 0", sum)
	}

	// A refunded purchase cannot be refunded again.
	if _, err := engine.RecordRefund(ctx, result.Purchase); !errors.Is(err, ErrNotRefundable) {
		t.Errorf("second refund = %v, want ErrNotRefundable", err)
	}
}

func TestPostgresUpgradeFreemium(t *testing.T) {
	engine, store, cleanup := pgEngine(t, pgBase)
	defer cleanup()
	ctx := context.Background()

	free, _, err := engine.EnrollFree(ctx, "buyer-1", "course-1", "seller-1")
	if err != nil {
		t.Fatalf("EnrollFree: %v", err)
	}

	result, err := engine.UpgradePurchase(ctx, free, PurchaseParams{
		BuyerID:     "buyer-1",
		CourseID:    "course-1",
		SellerID:    "seller-1",
		Price:       money.MustParse("49.50"),
		HoldDays:    7,
		ExternalRef: "cs_up",
	})
	if err != nil {
		t.Fatalf("UpgradePurchase: %v", err)
	}
	if result.Purchase.ID != free.ID {
		t.Error("upgrade created a new purchase row")
	}

	got, err := store.GetPurchase(ctx, "buyer-1", "course-1")
	if err != nil {
		t.Fatalf("GetPurchase: %v", err)
	}
	if got.Kind != KindSubscription || got.Price == nil || !got.Price.Equal(money.MustParse("49.50")) {
		t.Errorf("purchase after upgrade = %+v", got)
	}
}

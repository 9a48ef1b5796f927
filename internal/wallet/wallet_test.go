package wallet

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coursepay/coursepay/internal/events"
	"github.com/coursepay/coursepay/internal/money"
	"github.com/shopspring/decimal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	applied, err := store.Apply(ctx, "seller-1", money.MustParse("90"), "txn_1")
	if err != nil || !applied {
		t.Fatalf("first apply = %v, %v", applied, err)
	}

	// Same transaction ID again: silent no-op.
	applied, err = store.Apply(ctx, "seller-1", money.MustParse("90"), "txn_1")
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if applied {
		t.Error("duplicate transaction was applied")
	}

	bal, err := store.GetBalance(ctx, "seller-1")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Amount.Equal(money.MustParse("90")) {
		t.Errorf("balance = %s, want 90", bal.Amount)
	}
}

func TestGetBalance_UnknownUserIsZero(t *testing.T) {
	store := NewMemoryStore()
	bal, err := store.GetBalance(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Amount.IsZero() {
		t.Errorf("balance = %s, want 0", bal.Amount)
	}
}

func waitForBalance(t *testing.T, store Store, userID string, want decimal.Decimal) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bal, err := store.GetBalance(context.Background(), userID)
		if err == nil && bal.Amount.Equal(want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	bal, _ := store.GetBalance(context.Background(), userID)
	t.Fatalf("balance = %s, want %s", bal.Amount, want)
}

func TestConsumer_AppliesCreditsAndDebits(t *testing.T) {
	bus := events.NewBus(testLogger())
	store := NewMemoryStore()
	consumer := NewConsumer(bus, store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Start(ctx)

	ctx2 := context.Background()
	if err := bus.Publish(ctx2, events.WalletCredit{UserID: "seller-1", TransactionID: "txn_1", Amount: money.MustParse("90")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx2, events.WalletDebit{UserID: "buyer-1", TransactionID: "txn_2", Amount: money.MustParse("100")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitForBalance(t, store, "seller-1", money.MustParse("90"))
	waitForBalance(t, store, "buyer-1", money.MustParse("-100"))

	// At-least-once redelivery of the same transaction does not double-apply.
	if err := bus.Publish(ctx2, events.WalletCredit{UserID: "seller-1", TransactionID: "txn_1", Amount: money.MustParse("90")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	// Marker event proves the duplicate was consumed first.
	if err := bus.Publish(ctx2, events.WalletCredit{UserID: "seller-1", TransactionID: "txn_3", Amount: money.MustParse("1")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitForBalance(t, store, "seller-1", money.MustParse("91"))

	bus.Close()
	select {
	case <-consumer.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on bus close")
	}
}

func TestConsumer_DiscardsMalformedEvents(t *testing.T) {
	bus := events.NewBus(testLogger())
	store := NewMemoryStore()
	consumer := NewConsumer(bus, store, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Start(ctx)

	// Raw events with broken bodies; both are nacked and never retried.
	if err := bus.Publish(context.Background(), badEvent{key: events.KeyWalletCredit, body: map[string]string{"amount": "not-a-number", "user_id": "u", "transaction_id": "t"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), badEvent{key: events.KeyWalletCredit, body: map[string]string{"amount": "5"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(context.Background(), events.WalletCredit{UserID: "u", TransactionID: "txn_ok", Amount: money.MustParse("5")}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitForBalance(t, store, "u", money.MustParse("5"))
}

type badEvent struct {
	key  string
	body map[string]string
}

func (b badEvent) RoutingKey() string      { return b.key }
func (b badEvent) Body() map[string]string { return b.body }

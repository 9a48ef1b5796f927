package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coursepay/coursepay/internal/events"
	"github.com/coursepay/coursepay/internal/money"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureSink struct {
	mu     sync.Mutex
	keys   []string
	fail   bool
	failed chan struct{} // signaled on each rejected delivery
}

func (s *captureSink) Notify(ctx context.Context, routingKey string, body map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		if s.failed != nil {
			s.failed <- struct{}{}
		}
		return errors.New("sink unavailable")
	}
	s.keys = append(s.keys, routingKey)
	return nil
}

func (s *captureSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

func TestConsumer_DeliversNotificationsOnly(t *testing.T) {
	bus := events.NewBus(testLogger())
	sink := &captureSink{}
	consumer := NewConsumer(bus, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Start(ctx)

	pub := context.Background()
	// Wallet traffic must not reach the sink.
	if err := bus.Publish(pub, events.WalletCredit{UserID: "u", TransactionID: "txn_1", Amount: money.MustParse("1")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(pub, events.PurchaseCompleted{BuyerID: "buyer-1", CourseID: "course-1", PurchaseID: "pur_1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	bus.Close()
	select {
	case <-consumer.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on bus close")
	}

	keys := sink.snapshot()
	if len(keys) != 1 || keys[0] != events.KeyPurchaseCompleted {
		t.Errorf("delivered = %v, want [%s]", keys, events.KeyPurchaseCompleted)
	}
}

func TestConsumer_SinkFailureDoesNotStopLoop(t *testing.T) {
	bus := events.NewBus(testLogger())
	sink := &captureSink{fail: true, failed: make(chan struct{}, 1)}
	consumer := NewConsumer(bus, sink, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Start(ctx)

	pub := context.Background()
	if err := bus.Publish(pub, events.PurchaseCompleted{BuyerID: "buyer-1", CourseID: "course-1", PurchaseID: "pur_1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Wait until the sink has rejected the first delivery, then recover.
	// The nacked event is gone; a later good one still lands.
	select {
	case <-sink.failed:
	case <-time.After(time.Second):
		t.Fatal("sink never saw the first delivery")
	}
	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	if err := bus.Publish(pub, events.PurchaseCompleted{BuyerID: "buyer-2", CourseID: "course-2", PurchaseID: "pur_2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	bus.Close()
	select {
	case <-consumer.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop on bus close")
	}

	if keys := sink.snapshot(); len(keys) != 1 {
		t.Errorf("delivered = %v, want exactly the retried-era event", keys)
	}
}

package wallet

import (
	"context"
	"log/slog"

	"github.com/coursepay/coursepay/internal/events"
	"github.com/coursepay/coursepay/internal/money"
)

// Consumer applies transaction.* events to the wallet store.
//
// Processing failure is negatively acknowledged and the message discarded
// without requeue; the resulting ledger/wallet gap is reconciled by an
// out-of-band audit job. Duplicate deliveries are expected and deduplicated
// by transaction ID inside the store.
type Consumer struct {
	store  Store
	sub    *events.Subscription
	logger *slog.Logger
	done   chan struct{}
}

// NewConsumer binds a wallet consumer to the bus.
func NewConsumer(bus *events.Bus, store Store, logger *slog.Logger) *Consumer {
	return &Consumer{
		store:  store,
		sub:    bus.Subscribe("transaction.*"),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start consumes deliveries until the bus closes or ctx is done.
// Call in a goroutine.
func (c *Consumer) Start(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-c.sub.Deliveries():
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

// Done is closed when the consumer loop exits.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) handle(ctx context.Context, d *events.Delivery) {
	msg := d.Message

	amount, err := money.Parse(msg.Body["amount"])
	if err != nil {
		c.logger.Warn("discarding malformed wallet event",
			"routingKey", msg.RoutingKey, "messageId", msg.ID, "error", err)
		d.Nack()
		return
	}

	delta := amount
	if msg.RoutingKey == events.KeyWalletDebit {
		delta = amount.Neg()
	}

	userID := msg.Body["user_id"]
	txnID := msg.Body["transaction_id"]
	if userID == "" || txnID == "" {
		c.logger.Warn("discarding wallet event with missing keys",
			"routingKey", msg.RoutingKey, "messageId", msg.ID)
		d.Nack()
		return
	}

	applied, err := c.store.Apply(ctx, userID, delta, txnID)
	if err != nil {
		// Fail-fast, no retry: discard and leave the gap to reconciliation.
		c.logger.Error("wallet apply failed, discarding message",
			"routingKey", msg.RoutingKey, "messageId", msg.ID, "userId", userID, "error", err)
		d.Nack()
		return
	}

	if !applied {
		c.logger.Debug("duplicate wallet event ignored",
			"transactionId", txnID, "messageId", msg.ID)
	}
	d.Ack()
}

// Package notify is the notification sink: it consumes notification.*
// events and hands them to a delivery mechanism (out of scope here, so the
// default sink logs them). Only the trigger contract matters to the ledger
// core.
package notify

import (
	"context"
	"log/slog"

	"github.com/coursepay/coursepay/internal/events"
)

// Sink receives notification payloads. Implementations must tolerate
// duplicate deliveries.
type Sink interface {
	Notify(ctx context.Context, routingKey string, body map[string]string) error
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (s *LogSink) Notify(ctx context.Context, routingKey string, body map[string]string) error {
	attrs := make([]any, 0, 2+2*len(body))
	attrs = append(attrs, "routingKey", routingKey)
	for k, v := range body {
		attrs = append(attrs, k, v)
	}
	s.Logger.Info("notification", attrs...)
	return nil
}

// Consumer drains notification.* events into a sink.
type Consumer struct {
	sink   Sink
	sub    *events.Subscription
	logger *slog.Logger
	done   chan struct{}
}

// NewConsumer binds a notification consumer to the bus.
func NewConsumer(bus *events.Bus, sink Sink, logger *slog.Logger) *Consumer {
	return &Consumer{
		sink:   sink,
		sub:    bus.Subscribe("notification.#"),
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
			if err := c.sink.Notify(ctx, d.Message.RoutingKey, d.Message.Body); err != nil {
				// Discarded without requeue, like every consumer on this bus.
				c.logger.Warn("notification sink failed",
					"routingKey", d.Message.RoutingKey, "messageId", d.Message.ID, "error", err)
				d.Nack()
				continue
			}
			d.Ack()
		}
	}
}

// Done is closed when the consumer loop exits.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

package events

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	busPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "bus",
		Name:      "publish_total",
		Help:      "Total messages published by routing key.",
	}, []string{"routing_key"})

	busAckTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "bus",
		Name:      "ack_total",
		Help:      "Total messages acknowledged by routing key.",
	}, []string{"routing_key"})

	busNackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "bus",
		Name:      "nack_total",
		Help:      "Total messages negatively acknowledged (discarded) by routing key.",
	}, []string{"routing_key"})

	busDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Total messages dropped because a subscriber queue was full.",
	}, []string{"routing_key"})
)

func init() {
	prometheus.MustRegister(busPublishTotal, busAckTotal, busNackTotal, busDroppedTotal)
}

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("event bus closed")

// DefaultQueueSize is the per-subscription buffer size.
const DefaultQueueSize = 1024

// Bus is a topic-routed message exchange with at-least-once semantics.
//
// Each subscription gets its own buffered queue; a published message is
// copied into every queue whose binding pattern matches its routing key.
// Consumers acknowledge explicitly; a negative acknowledgment discards the
// message without requeueing. The publisher never blocks on, retries, or
// learns the outcome of delivery.
type Bus struct {
	mu     sync.RWMutex
	subs   []*Subscription
	logger *slog.Logger
	closed bool
}

// NewBus creates a new in-process event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscription is a bound consumer queue.
type Subscription struct {
	pattern string
	queue   chan *Delivery
	bus     *Bus
}

// Delivery is a message handed to a consumer, awaiting explicit ack.
type Delivery struct {
	Message *Message
	once    sync.Once
}

// Ack acknowledges successful processing.
func (d *Delivery) Ack() {
	d.once.Do(func() {
		busAckTotal.WithLabelValues(d.Message.RoutingKey).Inc()
	})
}

// Nack discards the message without requeueing. Failed processing is not
// retried; missing deliveries are reconciled out of band.
func (d *Delivery) Nack() {
	d.once.Do(func() {
		busNackTotal.WithLabelValues(d.Message.RoutingKey).Inc()
	})
}

// Subscribe binds a new queue to a routing-key pattern. Patterns use
// dot-separated segments where "*" matches exactly one segment and "#"
// matches zero or more trailing segments (e.g. "transaction.*",
// "notification.#").
func (b *Bus) Subscribe(pattern string) *Subscription {
	sub := &Subscription{
		pattern: pattern,
		queue:   make(chan *Delivery, DefaultQueueSize),
		bus:     b,
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return sub
}

// Deliveries returns the subscription's message channel. The channel is
// closed when the bus shuts down.
func (s *Subscription) Deliveries() <-chan *Delivery {
	return s.queue
}

// Publish routes an event to all matching subscriptions. It never blocks:
// a full subscriber queue drops the message (logged and counted), matching
// the non-requeueing delivery contract.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}

	msg := &Message{
		ID:          idgen.WithPrefix("evt_"),
		RoutingKey:  ev.RoutingKey(),
		Body:        ev.Body(),
		PublishedAt: time.Now(),
	}
	busPublishTotal.WithLabelValues(msg.RoutingKey).Inc()

	for _, sub := range b.subs {
		if !MatchKey(sub.pattern, msg.RoutingKey) {
			continue
		}
		select {
		case sub.queue <- &Delivery{Message: msg}:
		default:
			busDroppedTotal.WithLabelValues(msg.RoutingKey).Inc()
			b.logger.Warn("subscriber queue full, dropping message",
				"pattern", sub.pattern, "routingKey", msg.RoutingKey, "messageId", msg.ID)
		}
	}

	return nil
}

// Close shuts down the bus and closes all subscription channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.queue)
	}
}

// MatchKey reports whether a binding pattern matches a routing key.
func MatchKey(pattern, key string) bool {
	if pattern == key {
		return true
	}

	pparts := strings.Split(pattern, ".")
	kparts := strings.Split(key, ".")

	for i, p := range pparts {
		if p == "#" {
			return true
		}
		if i >= len(kparts) {
			return false
		}
		if p != "*" && p != kparts[i] {
			return false
		}
	}
	return len(pparts) == len(kparts)
}

// Package events provides asynchronous, at-least-once event delivery
// between the ledger service and its external collaborators (the wallet
// store and the notification sink).
//
// Every event is one of a small closed set of typed payloads. Each payload
// maps to a routing key of the form <domain>.<event> and flattens to a
// string key-value body for the wire.
package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Routing keys for the closed event set.
const (
	KeyWalletCredit      = "transaction.wallet_credit"
	KeyWalletDebit       = "transaction.wallet_debit"
	KeyPurchaseCompleted = "notification.course.purchase"
	KeyReportFiled       = "notification.course.report.filed"
	KeyReportRefunded    = "notification.course.report.refund"
	KeyReportResolved    = "notification.course.report.resolved"
	KeyCreditSettled     = "notification.settlement.completed"
)

// Event is a typed payload that can be published on the bus.
type Event interface {
	RoutingKey() string
	Body() map[string]string
}

// Publisher enqueues events for asynchronous delivery. Implementations
// must be called only after the local unit of work has committed; a
// published event can never be taken back.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// WalletCredit credits a user's wallet. Keyed by transaction ID so the
// wallet store can deduplicate at-least-once deliveries.
type WalletCredit struct {
	UserID        string
	TransactionID string
	Amount        decimal.Decimal
}

func (WalletCredit) RoutingKey() string { return KeyWalletCredit }

func (e WalletCredit) Body() map[string]string {
	return map[string]string{
		"user_id":        e.UserID,
		"transaction_id": e.TransactionID,
		"amount":         e.Amount.String(),
	}
}

// WalletDebit debits a user's wallet, keyed by transaction ID.
type WalletDebit struct {
	UserID        string
	TransactionID string
	Amount        decimal.Decimal
}

func (WalletDebit) RoutingKey() string { return KeyWalletDebit }

func (e WalletDebit) Body() map[string]string {
	return map[string]string{
		"user_id":        e.UserID,
		"transaction_id": e.TransactionID,
		"amount":         e.Amount.String(),
	}
}

// PurchaseCompleted notifies that a course purchase was recorded.
type PurchaseCompleted struct {
	PurchaseID string
	BuyerID    string
	CourseID   string
	Kind       string
}

func (PurchaseCompleted) RoutingKey() string { return KeyPurchaseCompleted }

func (e PurchaseCompleted) Body() map[string]string {
	return map[string]string{
		"purchase_id": e.PurchaseID,
		"buyer_id":    e.BuyerID,
		"course_id":   e.CourseID,
		"kind":        e.Kind,
	}
}

// ReportFiled notifies that a dispute report was filed against a course.
type ReportFiled struct {
	ReportID string
	BuyerID  string
	CourseID string
	Reason   string
}

func (ReportFiled) RoutingKey() string { return KeyReportFiled }

func (e ReportFiled) Body() map[string]string {
	return map[string]string{
		"report_id": e.ReportID,
		"buyer_id":  e.BuyerID,
		"course_id": e.CourseID,
		"reason":    e.Reason,
	}
}

// ReportRefunded notifies that a dispute was resolved with a refund.
type ReportRefunded struct {
	ReportID string
	BuyerID  string
	CourseID string
	Amount   decimal.Decimal
}

func (ReportRefunded) RoutingKey() string { return KeyReportRefunded }

func (e ReportRefunded) Body() map[string]string {
	return map[string]string{
		"report_id": e.ReportID,
		"buyer_id":  e.BuyerID,
		"course_id": e.CourseID,
		"amount":    e.Amount.String(),
	}
}

// ReportResolved notifies that a dispute reached a non-refund terminal state.
type ReportResolved struct {
	ReportID string
	BuyerID  string
	CourseID string
	Outcome  string
}

func (ReportResolved) RoutingKey() string { return KeyReportResolved }

func (e ReportResolved) Body() map[string]string {
	return map[string]string{
		"report_id": e.ReportID,
		"buyer_id":  e.BuyerID,
		"course_id": e.CourseID,
		"outcome":   e.Outcome,
	}
}

// CreditSettled notifies that a matured seller credit was settled.
type CreditSettled struct {
	TransactionID string
	SellerID      string
	NetPayout     decimal.Decimal
	Commission    decimal.Decimal
}

func (CreditSettled) RoutingKey() string { return KeyCreditSettled }

func (e CreditSettled) Body() map[string]string {
	return map[string]string{
		"transaction_id": e.TransactionID,
		"seller_id":      e.SellerID,
		"net_payout":     e.NetPayout.String(),
		"commission":     e.Commission.String(),
	}
}

// Message is the wire form of an event as seen by consumers.
type Message struct {
	ID          string            `json:"id"`
	RoutingKey  string            `json:"routingKey"`
	Body        map[string]string `json:"body"`
	PublishedAt time.Time         `json:"publishedAt"`
}

// Pending collects events produced during a unit of work so the caller can
// publish them strictly after the enclosing transaction commits. State
// changes that roll back must never produce events.
type Pending struct {
	events []Event
}

// Add queues events for post-commit publication.
func (p *Pending) Add(evs ...Event) {
	p.events = append(p.events, evs...)
}

// Events returns the queued events.
func (p *Pending) Events() []Event {
	return p.events
}

// Flush publishes all queued events and clears the queue. Publish failures
// are returned but must not be retried by callers: the gap between ledger
// and wallet state is reconciled out of band.
func (p *Pending) Flush(ctx context.Context, pub Publisher) error {
	var firstErr error
	for _, ev := range p.events {
		if err := pub.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.events = nil
	return firstErr
}

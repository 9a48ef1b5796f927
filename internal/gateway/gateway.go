// Package gateway ingests asynchronous payment confirmations from the
// external payment gateway.
//
// Confirmations arrive as signed webhook callbacks. Processing is
// idempotent by the gateway's payment reference: replaying the same
// confirmation produces exactly one purchase and one debit/credit pair.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coursepay/coursepay/internal/events"
	"github.com/coursepay/coursepay/internal/ledger"
	"github.com/coursepay/coursepay/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "gateway",
		Name:      "webhook_events_total",
		Help:      "Webhook events by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(webhookEvents)
}

// ErrMissingMetadata is returned when a confirmation lacks the purchase
// metadata the checkout flow is required to attach.
var ErrMissingMetadata = errors.New("confirmation metadata incomplete")

// Confirmation is a verified payment confirmation extracted from a
// gateway event.
type Confirmation struct {
	ExternalRef string // gateway object id, the idempotency key
	BuyerID     string
	CourseID    string
	SellerID    string // denormalized into checkout metadata by the purchase flow
	Amount      decimal.Decimal
}

// Outcome describes what a confirmation did.
type Outcome struct {
	Purchase  *ledger.Purchase
	Replay    bool // reference already processed, nothing done
	Upgraded  bool
	Duplicate bool // buyer already subscribed under a different reference
}

// Service turns verified confirmations into ledger records.
type Service struct {
	engine   *ledger.Engine
	pub      events.Publisher
	logger   *slog.Logger
	holdDays int
}

// NewService creates a gateway service. holdDays is the escrow hold
// applied to new subscriptions.
func NewService(engine *ledger.Engine, pub events.Publisher, holdDays int, logger *slog.Logger) *Service {
	return &Service{engine: engine, pub: pub, holdDays: holdDays, logger: logger}
}

// ProcessConfirmation applies one verified confirmation.
//
// Idempotent by external reference: a transaction already carrying the
// reference means this delivery is a replay and nothing happens. An
// existing freemium purchase for the (buyer, course) pair is upgraded in
// place; otherwise a new purchase is recorded. Events are published only
// after the ledger write has committed.
func (s *Service) ProcessConfirmation(ctx context.Context, conf Confirmation) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "gateway.ProcessConfirmation", traces.CourseID(conf.CourseID))
	defer span.End()

	if conf.ExternalRef == "" || conf.BuyerID == "" || conf.CourseID == "" || conf.SellerID == "" {
		return nil, ErrMissingMetadata
	}

	if _, err := s.engine.Store().FindByExternalRef(ctx, conf.ExternalRef); err == nil {
		webhookEvents.WithLabelValues("replay").Inc()
		s.logger.Info("replayed confirmation ignored", "externalRef", conf.ExternalRef)
		return &Outcome{Replay: true}, nil
	} else if !errors.Is(err, ledger.ErrUnknownReference) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	params := ledger.PurchaseParams{
		BuyerID:     conf.BuyerID,
		CourseID:    conf.CourseID,
		SellerID:    conf.SellerID,
		Price:       conf.Amount,
		HoldDays:    s.holdDays,
		ExternalRef: conf.ExternalRef,
	}

	existing, err := s.engine.Store().GetPurchase(ctx, conf.BuyerID, conf.CourseID)
	switch {
	case err == nil && existing.Kind == ledger.KindFreemium:
		result, err := s.engine.UpgradePurchase(ctx, existing, params)
		if errors.Is(err, ledger.ErrAlreadySubscribed) {
			// A concurrent delivery won the upgrade; ack this one as a
			// duplicate so the gateway stops retrying.
			webhookEvents.WithLabelValues("duplicate").Inc()
			s.logger.Warn("concurrent upgrade already recorded",
				"buyerId", conf.BuyerID, "courseId", conf.CourseID, "externalRef", conf.ExternalRef)
			return &Outcome{Purchase: existing, Duplicate: true}, nil
		}
		if err != nil {
			return nil, err
		}
		s.publish(ctx, result.Events)
		webhookEvents.WithLabelValues("upgraded").Inc()
		return &Outcome{Purchase: result.Purchase, Upgraded: true}, nil

	case err == nil:
		// Already subscribed under a different payment reference. Accepting
		// the delivery stops the gateway from retrying forever; the money
		// side is left to the gateway's own duplicate handling.
		webhookEvents.WithLabelValues("duplicate").Inc()
		s.logger.Warn("confirmation for already-subscribed purchase",
			"buyerId", conf.BuyerID, "courseId", conf.CourseID, "externalRef", conf.ExternalRef)
		return &Outcome{Purchase: existing, Duplicate: true}, nil

	case errors.Is(err, ledger.ErrPurchaseNotFound):
		result, err := s.engine.RecordPurchase(ctx, params)
		if err != nil {
			return nil, err
		}
		s.publish(ctx, result.Events)
		webhookEvents.WithLabelValues("recorded").Inc()
		return &Outcome{Purchase: result.Purchase}, nil

	default:
		return nil, err
	}
}

// EnrollFree records a freemium enrollment (no payment, no transactions).
func (s *Service) EnrollFree(ctx context.Context, buyerID, courseID, sellerID string) (*ledger.Purchase, error) {
	purchase, evs, err := s.engine.EnrollFree(ctx, buyerID, courseID, sellerID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, evs)
	return purchase, nil
}

func (s *Service) publish(ctx context.Context, evs []events.Event) {
	var pending events.Pending
	pending.Add(evs...)
	if err := pending.Flush(ctx, s.pub); err != nil {
		s.logger.Warn("gateway event publish failed", "error", err)
	}
}

// Package dispute implements the report workflow that gates escrow
// settlement.
//
// A buyer files a report against a purchased course. While the report is
// pending, the purchase's sale credit sits in reported status and the
// settlement scheduler skips it. Resolution is terminal:
// refunded reverses the purchase, resolved/rejected returns the credit to
// the settlement queue.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coursepay/coursepay/internal/events"
	"github.com/coursepay/coursepay/internal/idgen"
	"github.com/coursepay/coursepay/internal/ledger"
	"github.com/coursepay/coursepay/internal/traces"
)

var (
	ErrReportNotFound    = errors.New("report not found")
	ErrDuplicateReport   = errors.New("report already filed for buyer and course")
	ErrInvalidTransition = errors.New("invalid dispute transition")
)

// Status is a report lifecycle state. pending is the only non-terminal one.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusRejected Status = "rejected"
	StatusRefunded Status = "refunded"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusRejected || s == StatusRefunded
}

// Report is a dispute filed by a buyer against a course purchase.
// One per (buyer, course) pair.
type Report struct {
	ID         string     `json:"id"`
	BuyerID    string     `json:"buyerId"`
	CourseID   string     `json:"courseId"`
	PurchaseID string     `json:"purchaseId"`
	Status     Status     `json:"status"`
	Reason     string     `json:"reason"`
	Resolved   bool       `json:"resolved"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Store persists reports.
type Store interface {
	Create(ctx context.Context, r *Report) error
	Get(ctx context.Context, id string) (*Report, error)
	GetByPair(ctx context.Context, buyerID, courseID string) (*Report, error)
	// Resolve transitions a pending report to a terminal status with
	// compare-and-set semantics; ledger.ErrStorageConflict on a miss.
	Resolve(ctx context.Context, id string, to Status, resolvedAt time.Time) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Report, error)
}

// Service implements the dispute workflow on top of the ledger engine.
type Service struct {
	store  Store
	engine *ledger.Engine
	pub    events.Publisher
	logger *slog.Logger
}

// NewService creates a dispute service.
func NewService(store Store, engine *ledger.Engine, pub events.Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, engine: engine, pub: pub, logger: logger}
}

// File creates a report for an existing purchase. If the purchase is a
// subscription whose escrow has not matured, the sale credit is moved
// pending→reported so the scheduler cannot settle it while the dispute is
// open. A concurrent settlement that wins the compare-and-set leaves the
// credit settled; the report is still filed but a later refund will fail
// with ErrNotRefundable.
func (s *Service) File(ctx context.Context, buyerID, courseID, reason string) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.File", traces.CourseID(courseID))
	defer span.End()

	purchase, err := s.engine.Store().GetPurchase(ctx, buyerID, courseID)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetByPair(ctx, buyerID, courseID); err == nil {
		return nil, ErrDuplicateReport
	} else if !errors.Is(err, ErrReportNotFound) {
		return nil, err
	}

	report := &Report{
		ID:         idgen.WithPrefix("rpt_"),
		BuyerID:    buyerID,
		CourseID:   courseID,
		PurchaseID: purchase.ID,
		Status:     StatusPending,
		Reason:     reason,
		CreatedAt:  time.Now(),
	}
	if err := s.store.Create(ctx, report); err != nil {
		return nil, err
	}

	if purchase.Kind == ledger.KindSubscription && !purchase.EscrowMatured(time.Now()) {
		if _, err := s.engine.MarkReported(ctx, purchase.ID); err != nil {
			if errors.Is(err, ledger.ErrStorageConflict) {
				s.logger.Warn("credit no longer pending, report filed without escrow pause",
					"reportId", report.ID, "purchaseId", purchase.ID)
			} else {
				return nil, fmt.Errorf("mark credit reported: %w", err)
			}
		}
	}

	// Post-commit: the report row and the credit transition are durable.
	var pending events.Pending
	pending.Add(events.ReportFiled{
		ReportID: report.ID,
		BuyerID:  buyerID,
		CourseID: courseID,
		Reason:   reason,
	})
	if err := pending.Flush(ctx, s.pub); err != nil {
		s.logger.Warn("report event publish failed", "reportId", report.ID, "error", err)
	}

	return report, nil
}

// Resolve moves a pending report to a terminal status.
//
//   - refunded: reverses the purchase via the ledger (the purchase must not
//     be freemium) and emits the wallet reversal events plus a refund
//     notification.
//   - resolved / rejected: returns the reported credit to pending so the
//     scheduler can settle it, and emits an outcome notification.
//
// Anything else is ErrInvalidTransition.
func (s *Service) Resolve(ctx context.Context, reportID string, outcome Status) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.ReportID(reportID))
	defer span.End()

	if !outcome.Terminal() {
		return nil, ErrInvalidTransition
	}

	report, err := s.store.Get(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if report.Status != StatusPending {
		return nil, ErrInvalidTransition
	}

	purchase, err := s.engine.Store().GetPurchaseByID(ctx, report.PurchaseID)
	if err != nil {
		return nil, err
	}

	var pending events.Pending

	switch outcome {
	case StatusRefunded:
		if purchase.Kind == ledger.KindFreemium {
			return nil, ledger.ErrNotRefundable
		}
		refund, err := s.engine.RecordRefund(ctx, purchase)
		if err != nil {
			return nil, err
		}
		pending.Add(refund.Events...)
		pending.Add(events.ReportRefunded{
			ReportID: report.ID,
			BuyerID:  report.BuyerID,
			CourseID: report.CourseID,
			Amount:   refund.Debit.Amount,
		})

	case StatusResolved, StatusRejected:
		if purchase.Kind == ledger.KindSubscription {
			if err := s.engine.ResetDisputeToPending(ctx, purchase.ID); err != nil {
				return nil, err
			}
		}
		pending.Add(events.ReportResolved{
			ReportID: report.ID,
			BuyerID:  report.BuyerID,
			CourseID: report.CourseID,
			Outcome:  string(outcome),
		})
	}

	now := time.Now()
	if err := s.store.Resolve(ctx, report.ID, outcome, now); err != nil {
		if errors.Is(err, ledger.ErrStorageConflict) {
			// The ledger side already moved. A double refund is impossible
			// (the credit's own compare-and-set guards it), but the report
			// row was resolved concurrently, so flag it for manual review.
			s.logger.Error("report resolved concurrently after ledger mutation",
				"reportId", report.ID, "outcome", outcome)
			return nil, ErrInvalidTransition
		}
		return nil, err
	}
	report.Status = outcome
	report.Resolved = true
	report.ResolvedAt = &now

	if err := pending.Flush(ctx, s.pub); err != nil {
		s.logger.Warn("dispute event publish failed", "reportId", report.ID, "error", err)
	}

	return report, nil
}

// Get returns a report by ID.
func (s *Service) Get(ctx context.Context, id string) (*Report, error) {
	return s.store.Get(ctx, id)
}

// ListPending returns open reports, oldest first.
func (s *Service) ListPending(ctx context.Context, limit int) ([]*Report, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, StatusPending, limit)
}

// Package reconciliation audits the ledger for invariant violations.
//
// The checks are advisory: they never mutate state, they only export
// gauges and log what they find. A nonzero gauge means either a bug in
// the settlement path or an operator-level problem (wedged timer,
// abandoned disputes).
package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

const (
	// settlementGrace is how long a matured credit may stay pending
	// before it counts as overdue. Covers normal timer jitter.
	settlementGrace = 24 * time.Hour

	// reportStaleAfter is how long a dispute may stay unresolved
	// before it counts as stale.
	reportStaleAfter = 14 * 24 * time.Hour
)

// Result holds the findings of one reconciliation pass.
type Result struct {
	BalanceMismatches int `json:"balanceMismatches"`
	OverdueCredits    int `json:"overdueCredits"`
	StaleReports      int `json:"staleReports"`
}

// Runner executes reconciliation checks against the Postgres ledger.
type Runner struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewRunner creates a reconciliation runner.
func NewRunner(db *sql.DB, logger *slog.Logger) *Runner {
	return &Runner{db: db, logger: logger, now: time.Now}
}

// WithClock overrides the runner's clock. For tests.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// RunOnce executes all checks and updates the reconciliation gauges.
func (r *Runner) RunOnce(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	result := &Result{}
	now := r.now()

	mismatches, err := r.countBalanceMismatches(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("balance check: %w", err)
	}
	result.BalanceMismatches = mismatches
	reconcileBalanceMismatches.Set(float64(mismatches))

	overdue, err := r.countOverdueCredits(ctx, now.Add(-settlementGrace))
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("overdue check: %w", err)
	}
	result.OverdueCredits = overdue
	reconcileOverdueCredits.Set(float64(overdue))

	stale, err := r.countStaleReports(ctx, now.Add(-reportStaleAfter))
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("stale report check: %w", err)
	}
	result.StaleReports = stale
	reconcileStaleReports.Set(float64(stale))

	if mismatches > 0 || overdue > 0 || stale > 0 {
		r.logger.Warn("reconciliation found problems",
			"balanceMismatches", mismatches,
			"overdueCredits", overdue,
			"staleReports", stale)
	} else {
		r.logger.Debug("reconciliation clean")
	}

	return result, nil
}

// countBalanceMismatches finds terminal purchases whose rows no longer
// net out. For a settled or refunded purchase everything except the
// commission row must sum to zero; the commission itself is the
// platform's take and stands alone.
func (r *Runner) countBalanceMismatches(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT t.purchase_id
			FROM transactions t
			WHERE t.purchase_id IN (
				SELECT purchase_id FROM transactions
				WHERE kind = 'sale_credit' AND status IN ('credited', 'refunded')
			)
			GROUP BY t.purchase_id
			HAVING COALESCE(SUM(t.amount) FILTER (WHERE t.kind <> 'commission'), 0) <> 0
		) violations
	`).Scan(&n)
	return n, err
}

// countOverdueCredits finds pending sale credits whose escrow matured
// longer than the grace period ago. The settlement pass should have
// picked these up.
func (r *Runner) countOverdueCredits(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM transactions t
		JOIN purchases p ON p.id = t.purchase_id
		WHERE t.kind = 'sale_credit'
		  AND t.status = 'pending'
		  AND p.hold_days IS NOT NULL
		  AND p.purchased_at + make_interval(days => p.hold_days) < $1
	`, cutoff).Scan(&n)
	return n, err
}

func (r *Runner) countStaleReports(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reports WHERE status = 'pending' AND created_at < $1
	`, cutoff).Scan(&n)
	return n, err
}

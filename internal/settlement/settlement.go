// Package settlement matures escrowed seller credits whose hold period
// has elapsed.
//
// The batch is stateless and idempotent: eligibility is read from the
// ledger on every pass, the pending status is the sole concurrency guard,
// and a row that loses the compare-and-set to a concurrent dispute simply
// stays where the other writer left it.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coursepay/coursepay/internal/events"
	"github.com/coursepay/coursepay/internal/ledger"
	"github.com/coursepay/coursepay/internal/traces"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	batchRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "settlement",
		Name:      "batch_runs_total",
		Help:      "Total settlement batch passes.",
	})

	batchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "settlement",
		Name:      "batch_rows_total",
		Help:      "Per-row settlement outcomes by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(batchRuns, batchOutcomes)
}

// DefaultBatchSize limits how many credits one pass settles.
const DefaultBatchSize = 500

// Runner executes settlement batches.
type Runner struct {
	engine    *ledger.Engine
	pub       events.Publisher
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewRunner creates a settlement runner.
func NewRunner(engine *ledger.Engine, pub events.Publisher, logger *slog.Logger) *Runner {
	return &Runner{
		engine:    engine,
		pub:       pub,
		logger:    logger,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
}

// WithClock overrides the runner's time source. Test hook.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Result summarizes one batch pass.
type Result struct {
	Eligible int
	Settled  int
	Skipped  int // lost the compare-and-set to a concurrent dispute
	Failed   int
}

// RunOnce settles every matured pending credit it can. Each row is an
// independent unit of work: a failure is logged and the row retried on
// the next pass (it remains pending), never aborting the batch. Wallet
// credit and notification events are published only after each row's
// settlement has committed.
func (r *Runner) RunOnce(ctx context.Context) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.RunOnce")
	defer span.End()

	batchRuns.Inc()
	now := r.now()

	matured, err := r.engine.Store().ListMatured(ctx, now, r.batchSize)
	if err != nil {
		return nil, err
	}

	result := &Result{Eligible: len(matured)}
	for _, mc := range matured {
		settled, err := r.engine.SettleMatured(ctx, mc)
		if err != nil {
			if errors.Is(err, ledger.ErrStorageConflict) {
				// A dispute won the race; the row is no longer pending.
				// Not retried within this pass.
				result.Skipped++
				batchOutcomes.WithLabelValues("conflict").Inc()
				r.logger.Info("skipping credit, status changed concurrently",
					"creditId", mc.Credit.ID, "purchaseId", mc.Purchase.ID)
				continue
			}
			result.Failed++
			batchOutcomes.WithLabelValues("error").Inc()
			r.logger.Warn("failed to settle credit",
				"creditId", mc.Credit.ID, "purchaseId", mc.Purchase.ID, "error", err)
			continue
		}

		result.Settled++
		batchOutcomes.WithLabelValues("settled").Inc()

		var pending events.Pending
		pending.Add(settled.Events...)
		if err := pending.Flush(ctx, r.pub); err != nil {
			// Never retried: the wallet gap is reconciled out of band.
			r.logger.Warn("settlement event publish failed",
				"creditId", mc.Credit.ID, "error", err)
		}

		r.logger.Info("settled matured credit",
			"creditId", mc.Credit.ID,
			"sellerId", mc.Purchase.SellerID,
			"netPayout", settled.NetPayout.String(),
		)
	}

	return result, nil
}

// Timer periodically runs settlement batches.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a settlement timer.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the settlement loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in settlement timer", "panic", r)
		}
	}()

	result, err := t.runner.RunOnce(ctx)
	if err != nil {
		t.logger.Warn("settlement batch failed", "error", err)
		return
	}
	if result.Eligible > 0 {
		t.logger.Info("settlement batch complete",
			"eligible", result.Eligible,
			"settled", result.Settled,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
	}
}

// Command settle runs one settlement batch and exits.
//
// Meant for cron-style deployments where the in-process settlement timer
// is disabled. Requires DATABASE_URL; settling an in-memory store would
// be pointless.
package main

import (
	"context"
	"database/sql"
	"os"
	"time"

	"github.com/coursepay/coursepay/internal/config"
	"github.com/coursepay/coursepay/internal/events"
	"github.com/coursepay/coursepay/internal/ledger"
	"github.com/coursepay/coursepay/internal/logging"
	"github.com/coursepay/coursepay/internal/notify"
	"github.com/coursepay/coursepay/internal/retry"
	"github.com/coursepay/coursepay/internal/settlement"
	"github.com/coursepay/coursepay/internal/wallet"
	_ "github.com/lib/pq"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required for the settle command")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := retry.Do(ctx, 5, 500*time.Millisecond, db.Ping); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	// Wallet and notification consumers run in-process so the batch's
	// events land before exit.
	bus := events.NewBus(logger)
	walletConsumer := wallet.NewConsumer(bus, wallet.NewPostgresStore(db), logger)
	notifyConsumer := notify.NewConsumer(bus, &notify.LogSink{Logger: logger}, logger)
	go walletConsumer.Start(ctx)
	go notifyConsumer.Start(ctx)

	engine := ledger.NewEngine(ledger.NewPostgresStore(db), logger)
	runner := settlement.NewRunner(engine, bus, logger)

	result, err := runner.RunOnce(ctx)
	if err != nil {
		logger.Error("settlement batch failed", "error", err)
		os.Exit(1)
	}

	// Close flushes the consumer queues before the process exits.
	bus.Close()
	<-walletConsumer.Done()
	<-notifyConsumer.Done()

	logger.Info("settlement batch complete",
		"eligible", result.Eligible,
		"settled", result.Settled,
		"skipped", result.Skipped,
		"failed", result.Failed,
	)
}

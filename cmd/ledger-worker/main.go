package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"fatura/internal/amqp"
	"fatura/internal/config"
	"fatura/internal/ledger"
	lgoogle "fatura/internal/ledger/google"
	lmemory "fatura/internal/ledger/memory"
	applog "fatura/internal/log"
	"fatura/internal/storage"
	"fatura/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := applog.Setup()
	logger.Info("Starting ledger worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var writer ledger.Writer
	switch cfg.LedgerBackend {
	case "sheets":
		writer, err = lgoogle.New(ctx, cfg.LedgerSpreadsheetID, cfg.LedgerSheetName)
		if err != nil {
			logger.Error("Failed to initialize Google Sheets ledger", "error", err)
			os.Exit(1)
		}
		logger.Info("Using Google Sheets ledger backend",
			"spreadsheet_id", cfg.LedgerSpreadsheetID,
			"sheet", cfg.LedgerSheetName)
	default:
		writer = lmemory.New()
		logger.Info("Using in-memory ledger backend")
	}

	lw := worker.NewLedgerWorker(repo, writer, cfg.LedgerBatchSize, cfg.LedgerPollInterval,
		applog.ForComponent(logger, "ledger-worker"))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	// Poll loop covers missed nudges; the AMQP consumer makes exports land
	// promptly after each settlement.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := lw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Ledger worker stopped", "error", err)
		}
	}()

	if cfg.AMQPURL != "" {
		go func() {
			err := amqp.ConsumeWithRetry(ctx, cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPStatementQueue, cfg.AMQPLedgerQueue,
				func(ctx context.Context, client *amqp.Client) error {
					return client.ConsumeLedgerNudges(ctx, func() error {
						return lw.DrainOnce(ctx)
					})
				})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Ledger nudge consumer stopped", "error", err)
			}
		}()
	}

	<-done
	logger.Info("Ledger worker stopped gracefully")
}

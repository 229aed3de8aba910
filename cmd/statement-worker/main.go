package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"fatura/internal/amqp"
	"fatura/internal/cache"
	"fatura/internal/config"
	applog "fatura/internal/log"
	"fatura/internal/services"
	"fatura/internal/storage"
	"fatura/internal/worker"
)

func main() {
	_ = godotenv.Load()

	logger := applog.Setup()
	logger.Info("Starting statement worker")

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

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())
		cancel()
	}()

	// The category cache survives reconnects; each fresh connection gets a
	// settlement service publishing through it.
	categoryCache := &cache.Value[string]{}
	settlementLogger := applog.ForComponent(logger, "settlement")

	err = amqp.ConsumeWithRetry(ctx, cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPStatementQueue, cfg.AMQPLedgerQueue,
		func(ctx context.Context, client *amqp.Client) error {
			settlements := services.NewSettlementService(repo, client, categoryCache,
				cfg.SettlementCategory, settlementLogger)
			sw := worker.NewStatementWorker(settlements, applog.ForComponent(logger, "statement-worker"))
			return client.ConsumeCloseStatements(ctx, func(msg *amqp.CloseStatementMessage) error {
				return sw.HandleCloseStatement(ctx, msg)
			})
		})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Consumer stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("Statement worker stopped gracefully")
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/robertarktes/ticket-resale-settlement/internal/adapters/crdb"
	"github.com/robertarktes/ticket-resale-settlement/internal/config"
	"github.com/robertarktes/ticket-resale-settlement/internal/lifecycle"
	"github.com/robertarktes/ticket-resale-settlement/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLoggerWithLevel(cfg.LogLevel).WithField("service", "expiry-worker")

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)

	// The sweep only expires local rows; it never calls the gateway or catalog.
	txns := lifecycle.NewManager(repo, nil, nil, logger, lifecycle.Options{StaleAfter: cfg.StaleAfter})
	worker := NewExpiryWorker(txns, logger, cfg.SweepBatch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, cfg.SweepInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

type Sweeper interface {
	SweepStale(ctx context.Context, limit int) (int, error)
}

type ExpiryWorker struct {
	sweeper Sweeper
	logger  observability.Logger
	batch   int
}

func NewExpiryWorker(sweeper Sweeper, logger observability.Logger, batch int) *ExpiryWorker {
	return &ExpiryWorker{sweeper: sweeper, logger: logger, batch: batch}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.sweepWithRetry(ctx); err != nil && ctx.Err() == nil {
				w.logger.WithError(err).Error("failed to sweep stale transactions after retries")
			}
		}
	}
}

func (w *ExpiryWorker) sweepWithRetry(ctx context.Context) error {
	const maxRetries = 3
	var err error
	for i := 0; i < maxRetries; i++ {
		var n int
		n, err = w.sweeper.SweepStale(ctx, w.batch)
		if n > 0 {
			w.logger.WithField("expired", n).Info("expired stale transactions")
		}
		if err == nil {
			return nil
		}
		backoff := time.Duration(1<<i) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}

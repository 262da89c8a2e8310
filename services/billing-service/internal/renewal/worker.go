// Package renewal rolls active subscriptions into their next monthly cycle
// once the current paid period has ended.
package renewal

import (
	"context"
	"log/slog"
	"time"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/cycles"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/storage"
)

type Worker struct {
	repo      *storage.Repository
	generator *cycles.Generator
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

func NewWorker(repo *storage.Repository, generator *cycles.Generator, logger *slog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	return &Worker{
		repo:      repo,
		generator: generator,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.processBatch(ctx); err != nil {
				w.logger.Error("renewal batch failed", "err", err)
			}
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) error {
	now := time.Now().UTC()
	tx, err := w.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	due, err := w.repo.ListDueForRenewal(ctx, tx, now, w.batchSize)
	if err != nil {
		return err
	}
	renewed := 0
	for _, sub := range due {
		created, err := w.generator.Ensure(ctx, tx, sub, now)
		if err != nil {
			return err
		}
		if created {
			renewed++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	if renewed > 0 {
		w.logger.Info("subscriptions renewed", "count", renewed)
	}
	return nil
}

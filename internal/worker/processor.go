package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"pointbrew/internal/model"
	"pointbrew/internal/repository"
)

// Archiver keeps the audit copy of adjudicated records.
type Archiver interface {
	Archive(ctx context.Context, rec model.TransactionRecord) error
}

// ArchiveWorker listens on the ledger records subject and mirrors every
// newly adjudicated record into the archive.
type ArchiveWorker struct {
	archiver Archiver
	natsConn *nats.Conn
	logger   *zap.Logger
}

func NewArchiveWorker(archiver Archiver, nc *nats.Conn, logger *zap.Logger) *ArchiveWorker {
	return &ArchiveWorker{archiver: archiver, natsConn: nc, logger: logger}
}

// Run subscribes to the records subject and blocks until ctx is cancelled.
func (w *ArchiveWorker) Run(ctx context.Context) error {
	// One delivery per event across all replicas of the worker.
	sub, err := w.natsConn.QueueSubscribe(repository.TopicRecords, "archive_group", func(m *nats.Msg) {
		if err := w.handle(ctx, m.Data); err != nil {
			w.logger.Error("Archive failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("worker: failed to subscribe to NATS: %w", err)
	}

	w.logger.Info("Archive worker is running", zap.String("subject", repository.TopicRecords))
	<-ctx.Done()

	w.logger.Info("Archive worker received shutdown signal, draining subscription")
	return sub.Drain()
}

func (w *ArchiveWorker) handle(ctx context.Context, data []byte) error {
	var event model.LedgerEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("decode ledger event: %w", err)
	}
	// Replays carry a record the archive already has.
	if event.Duplicate {
		return nil
	}

	rec := event.Record
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := w.archiver.Archive(ctx, rec); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", rec.RedemptionID, err)
	}

	w.logger.Debug("Record archived",
		zap.String("redemption_id", rec.RedemptionID),
		zap.String("account_id", rec.AccountID),
		zap.String("status", string(rec.Status)))
	return nil
}

// Start implements the infrastructure.Server interface.
func (w *ArchiveWorker) Start(ctx context.Context) error {
	return w.Run(ctx)
}

// Stop implements the infrastructure.Server interface (no-op, shutdown is via ctx).
func (w *ArchiveWorker) Stop(ctx context.Context) error {
	return nil
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/metrics"
	"github.com/zammer/payout-engine/internal/model"
	"github.com/zammer/payout-engine/internal/repository"
)

// BatchBuilder groups eligible payout records into batches. Records are
// selected deterministically (creation time ascending, then id) and
// assigned conditionally, so two builders running over the same pool can
// never put one record into two batches.
type BatchBuilder struct {
	records           repository.RecordRepository
	batches           repository.BatchRepository
	logger            *zap.Logger
	metrics           *metrics.Metrics
	maxBatchSize      int
	approvalThreshold decimal.Decimal
}

// NewBatchBuilder creates a new batch builder. A zero approvalThreshold
// disables the approval requirement.
func NewBatchBuilder(
	records repository.RecordRepository,
	batches repository.BatchRepository,
	logger *zap.Logger,
	m *metrics.Metrics,
	maxBatchSize int,
	approvalThreshold decimal.Decimal,
) *BatchBuilder {
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	return &BatchBuilder{
		records:           records,
		batches:           batches,
		logger:            logger,
		metrics:           m,
		maxBatchSize:      maxBatchSize,
		approvalThreshold: approvalThreshold,
	}
}

// BuildBatches partitions all pending, unbatched records created at or
// before the cutoff into batches of at most maxBatchSize. Zero eligible
// records yields an empty result, not an error.
func (b *BatchBuilder) BuildBatches(ctx context.Context, cutoff time.Time) ([]*model.PayoutBatch, error) {
	eligible, err := b.records.FindUnbatchedPending(ctx, cutoff, 0)
	if err != nil {
		return nil, fmt.Errorf("find eligible records: %w", err)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	var built []*model.PayoutBatch
	for start := 0; start < len(eligible); start += b.maxBatchSize {
		end := start + b.maxBatchSize
		if end > len(eligible) {
			end = len(eligible)
		}
		batch, err := b.buildOne(ctx, eligible[start:end], cutoff)
		if err != nil {
			return built, err
		}
		if batch != nil {
			built = append(built, batch)
		}
	}
	return built, nil
}

func (b *BatchBuilder) buildOne(ctx context.Context, chunk []*model.PayoutRecord, cutoff time.Time) (*model.PayoutBatch, error) {
	batchTransferID := model.NewBatchTransferID()

	ids := make([]string, len(chunk))
	byID := make(map[string]*model.PayoutRecord, len(chunk))
	for i, record := range chunk {
		ids[i] = record.ID
		byID[record.ID] = record
	}

	// The batch document is written before any record points at it, so a
	// crash mid-assignment never leaves records referencing a batch that
	// does not exist. Totals are then computed from the records actually
	// won: a concurrent builder racing over the same pool shrinks this
	// batch instead of corrupting it.
	batch := model.NewPayoutBatch(batchTransferID, cutoff)
	if err := b.batches.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("save batch %s: %w", batchTransferID, err)
	}

	assigned, err := b.records.AssignBatch(ctx, ids, batchTransferID)
	if err != nil {
		return nil, fmt.Errorf("assign records to batch %s: %w", batchTransferID, err)
	}
	if len(assigned) == 0 {
		// Another builder won every record: retire the empty placeholder
		// so it never reaches the submission queue.
		if err := batch.TransitionTo(model.BatchStatusCancelled); err != nil {
			return nil, err
		}
		if err := b.batches.SaveBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("cancel empty batch %s: %w", batchTransferID, err)
		}
		return nil, nil
	}

	total := decimal.Zero
	for _, id := range assigned {
		total = total.Add(byID[id].Amount)
	}
	batch.TotalPayouts = len(assigned)
	batch.PendingPayouts = len(assigned)
	batch.TotalAmount = total
	batch.PendingAmount = total

	if b.approvalThreshold.IsPositive() && total.GreaterThanOrEqual(b.approvalThreshold) {
		batch.Approval = model.Approval{
			Required: true,
			Status:   model.ApprovalStatusPending,
		}
	}

	if err := b.batches.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("save batch %s: %w", batchTransferID, err)
	}
	b.metrics.BatchesBuiltTotal.Inc()

	b.logger.Info("Payout batch built",
		zap.String("batchTransferId", batch.BatchTransferID),
		zap.Int("totalPayouts", batch.TotalPayouts),
		zap.String("totalAmount", batch.TotalAmount.String()),
		zap.Bool("approvalRequired", batch.Approval.Required),
	)
	return batch, nil
}

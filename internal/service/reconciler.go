package service

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/gateway"
	"github.com/zammer/payout-engine/internal/metrics"
	"github.com/zammer/payout-engine/internal/model"
	"github.com/zammer/payout-engine/internal/repository"
)

// Reconciler recomputes a batch's summary fields and derived status from
// its member records. It is the only code allowed to set COMPLETED,
// FAILED-at-settlement or PARTIALLY_COMPLETED, and every operation here
// is safe to run repeatedly: counts are always recomputed from source,
// never maintained incrementally.
type Reconciler struct {
	records repository.RecordRepository
	batches repository.BatchRepository
	gateway gateway.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewReconciler creates a new reconciler
func NewReconciler(
	records repository.RecordRepository,
	batches repository.BatchRepository,
	gw gateway.Client,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Reconciler {
	return &Reconciler{
		records: records,
		batches: batches,
		gateway: gw,
		logger:  logger,
		metrics: m,
	}
}

// Reconcile polls the gateway for per-beneficiary outcomes, applies them
// to the member records, and recomputes the batch summary.
func (r *Reconciler) Reconcile(ctx context.Context, batch *model.PayoutBatch) (*model.PayoutBatch, error) {
	if err := r.ApplyGatewayStatus(ctx, batch); err != nil {
		return nil, err
	}
	return r.UpdateBatchStats(ctx, batch)
}

// ApplyGatewayStatus maps the gateway's per-beneficiary outcomes onto the
// batch's member records. Terminal records are never touched again.
func (r *Reconciler) ApplyGatewayStatus(ctx context.Context, batch *model.PayoutBatch) error {
	if batch.GatewayBatchID == "" {
		return nil
	}

	report, err := r.gateway.GetBatchStatus(ctx, batch.BatchTransferID)
	if err != nil {
		return fmt.Errorf("query gateway status for %s: %w", batch.BatchTransferID, err)
	}

	for _, item := range report.Items {
		record, err := r.records.GetRecord(ctx, item.RecordID)
		if err != nil {
			r.logger.Warn("Gateway reported unknown record",
				zap.String("batchTransferId", batch.BatchTransferID),
				zap.String("recordId", item.RecordID),
			)
			continue
		}
		if record.IsTerminal() || record.BatchID != batch.BatchTransferID {
			continue
		}

		switch item.State {
		case gateway.ItemStateCompleted:
			if err := record.TransitionTo(model.RecordStatusCompleted); err != nil {
				return err
			}
			record.GatewayTransferID = item.TransferID
		case gateway.ItemStateFailed:
			if err := record.TransitionTo(model.RecordStatusFailed); err != nil {
				return err
			}
			record.GatewayTransferID = item.TransferID
			record.ErrorCode = item.ErrorCode
			record.ErrorMessage = item.ErrorMessage
		default:
			continue
		}
		if err := r.records.SaveRecord(ctx, record); err != nil {
			return err
		}
	}

	if report.Raw != "" {
		batch.LastGatewayResponse = report.Raw
	}
	return nil
}

// UpdateBatchStats recomputes counts and amount sums per status bucket
// from the batch's member records and derives the overall status once no
// member is left pending:
//
//	no failures  -> COMPLETED
//	no successes -> FAILED
//	otherwise    -> PARTIALLY_COMPLETED
//
// With members still pending the batch stays in PROCESSING. Batches in a
// terminal status are returned unchanged. It operates on the caller's
// copy so the gateway payload recorded by ApplyGatewayStatus is persisted
// with the recomputed stats.
func (r *Reconciler) UpdateBatchStats(ctx context.Context, batch *model.PayoutBatch) (*model.PayoutBatch, error) {
	r.metrics.ReconciliationsTotal.Inc()

	if batch.Status != model.BatchStatusProcessing {
		return batch, nil
	}

	members, err := r.records.ListBatchRecords(ctx, batch.BatchTransferID)
	if err != nil {
		return nil, fmt.Errorf("load batch records: %w", err)
	}

	var successful, failed, pending int
	successfulAmount, failedAmount, pendingAmount := decimal.Zero, decimal.Zero, decimal.Zero
	total := decimal.Zero
	for _, record := range members {
		total = total.Add(record.Amount)
		switch record.Status {
		case model.RecordStatusCompleted:
			successful++
			successfulAmount = successfulAmount.Add(record.Amount)
		case model.RecordStatusFailed:
			failed++
			failedAmount = failedAmount.Add(record.Amount)
		default:
			pending++
			pendingAmount = pendingAmount.Add(record.Amount)
		}
	}

	batch.TotalPayouts = len(members)
	batch.SuccessfulPayouts = successful
	batch.FailedPayouts = failed
	batch.PendingPayouts = pending
	batch.TotalAmount = total
	batch.SuccessfulAmount = successfulAmount
	batch.FailedAmount = failedAmount
	batch.PendingAmount = pendingAmount

	if pending == 0 && len(members) > 0 {
		target := model.BatchStatusPartiallyCompleted
		switch {
		case failed == 0:
			target = model.BatchStatusCompleted
		case successful == 0:
			target = model.BatchStatusFailed
		}
		if err := batch.TransitionTo(target); err != nil {
			return nil, err
		}
		if target == model.BatchStatusFailed {
			// Settlement failures are per-beneficiary business failures;
			// resubmitting the same transfer id cannot fix them. The
			// failed subset is rebuilt into a fresh batch instead.
			batch.Retryable = false
		}
		r.metrics.BatchesSettledTotal.WithLabelValues(string(target)).Inc()

		r.logger.Info("Payout batch settled",
			zap.String("batchTransferId", batch.BatchTransferID),
			zap.String("status", string(batch.Status)),
			zap.Int("successfulPayouts", successful),
			zap.Int("failedPayouts", failed),
		)
	}

	if err := r.batches.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("save reconciled batch: %w", err)
	}

	// Failed members of a settled batch revert to the unbatched pending
	// pool: the builder regroups them under a new transfer id, which
	// keeps the gateway idempotency key contract intact.
	if batch.Status == model.BatchStatusPartiallyCompleted || (batch.Status == model.BatchStatusFailed && pending == 0) {
		for _, record := range members {
			if record.Status != model.RecordStatusFailed {
				continue
			}
			if err := r.records.DetachRecord(ctx, record.ID); err != nil {
				return nil, err
			}
		}
	}

	return batch, nil
}

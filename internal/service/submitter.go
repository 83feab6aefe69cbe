package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/gateway"
	"github.com/zammer/payout-engine/internal/metrics"
	"github.com/zammer/payout-engine/internal/model"
	"github.com/zammer/payout-engine/internal/repository"
)

// ErrAwaitingApproval is returned when a batch may not be submitted
// because its approval checkpoint has not been passed.
var ErrAwaitingApproval = errors.New("batch awaiting approval")

// ErrRetryNotDue is returned when a retry is attempted before the batch's
// next retry time, or after its attempts are exhausted.
var ErrRetryNotDue = errors.New("batch not eligible for retry")

// Submitter owns the claim-then-submit sequence against the gateway.
// Every gateway call is made under an exclusive claim: an atomic status
// transition that succeeds for exactly one worker. Losing the claim is a
// silent skip, never an error.
type Submitter struct {
	records repository.RecordRepository
	batches repository.BatchRepository
	gateway gateway.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewSubmitter creates a new submitter
func NewSubmitter(
	records repository.RecordRepository,
	batches repository.BatchRepository,
	gw gateway.Client,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Submitter {
	return &Submitter{
		records: records,
		batches: batches,
		gateway: gw,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// SubmitNew drives a pending batch through its first gateway submission.
// The claim edge is PENDING -> INITIATED.
func (s *Submitter) SubmitNew(ctx context.Context, batch *model.PayoutBatch) error {
	if batch.RequiresApproval() {
		return fmt.Errorf("batch %s: %w", batch.BatchTransferID, ErrAwaitingApproval)
	}

	if err := s.claim(ctx, batch, model.BatchStatusPending, model.BatchStatusInitiated); err != nil {
		return err
	}
	return s.submit(ctx, batch)
}

// Retry re-drives a failed batch through the gateway. The claim edge is
// FAILED -> PROCESSING. The retry is strictly time-gated on NextRetryAt.
func (s *Submitter) Retry(ctx context.Context, batch *model.PayoutBatch) error {
	if !batch.CanRetry(s.now()) {
		return fmt.Errorf("batch %s: %w", batch.BatchTransferID, ErrRetryNotDue)
	}

	if err := s.claim(ctx, batch, model.BatchStatusFailed, model.BatchStatusProcessing); err != nil {
		return err
	}
	s.metrics.RetriesTotal.Inc()
	return s.submit(ctx, batch)
}

// ForceRetry is the operator override for a failed batch that exhausted
// its automatic attempts. It never breaches the attempt cap; the action
// is recorded in the batch's admin notes instead.
func (s *Submitter) ForceRetry(ctx context.Context, batchTransferID, operator string) (*model.PayoutBatch, error) {
	batch, err := s.batches.GetBatch(ctx, batchTransferID)
	if err != nil {
		return nil, err
	}
	if batch.Status != model.BatchStatusFailed {
		return nil, fmt.Errorf("batch %s is %s, only failed batches can be force-retried", batchTransferID, batch.Status)
	}

	// A settlement-failed batch has had its failed members detached for
	// rebatching; resubmitting it would send nothing and strand the batch
	// in the reconciliation scan.
	members, err := s.records.ListBatchRecords(ctx, batchTransferID)
	if err != nil {
		return nil, err
	}
	live := 0
	for _, record := range members {
		if !record.IsTerminal() {
			live++
		}
	}
	if live == 0 {
		return nil, fmt.Errorf("batch %s has no records left to resubmit, rebuild the owed payouts instead", batchTransferID)
	}

	if err := s.batches.ClaimBatch(ctx, batchTransferID, model.BatchStatusFailed, model.BatchStatusProcessing); err != nil {
		return nil, err
	}
	if err := batch.TransitionTo(model.BatchStatusProcessing); err != nil {
		return nil, err
	}
	now := s.now()
	batch.LastAttemptAt = &now
	batch.AdminNotes = appendNote(batch.AdminNotes, fmt.Sprintf("force-retry by %s at %s", operator, now.UTC().Format(time.RFC3339)))
	if err := s.batches.SaveBatch(ctx, batch); err != nil {
		return nil, err
	}

	if err := s.submit(ctx, batch); err != nil {
		return nil, err
	}
	return s.batches.GetBatch(ctx, batchTransferID)
}

// ForceCancel is the operator override that moves an exhausted failed
// batch to cancelled and releases its unsettled records for rebatching.
func (s *Submitter) ForceCancel(ctx context.Context, batchTransferID, operator, reason string) (*model.PayoutBatch, error) {
	batch, err := s.batches.GetBatch(ctx, batchTransferID)
	if err != nil {
		return nil, err
	}
	if err := s.batches.ClaimBatch(ctx, batchTransferID, model.BatchStatusFailed, model.BatchStatusCancelled); err != nil {
		return nil, err
	}
	if err := batch.TransitionTo(model.BatchStatusCancelled); err != nil {
		return nil, err
	}
	batch.AdminNotes = appendNote(batch.AdminNotes, fmt.Sprintf("force-cancel by %s: %s", operator, reason))
	if err := s.batches.SaveBatch(ctx, batch); err != nil {
		return nil, err
	}

	members, err := s.records.ListBatchRecords(ctx, batchTransferID)
	if err != nil {
		return nil, err
	}
	for _, record := range members {
		if record.Status == model.RecordStatusCompleted {
			continue
		}
		if err := s.records.DetachRecord(ctx, record.ID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Payout batch force-cancelled",
		zap.String("batchTransferId", batchTransferID),
		zap.String("operator", operator),
		zap.String("reason", reason),
	)
	return batch, nil
}

// claim performs the atomic conditional transition, increments the
// attempt counter, and persists the claimed batch.
func (s *Submitter) claim(ctx context.Context, batch *model.PayoutBatch, from, to model.BatchStatus) error {
	if err := s.batches.ClaimBatch(ctx, batch.BatchTransferID, from, to); err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			s.metrics.ClaimContentionsTotal.Inc()
		}
		return err
	}
	if err := batch.TransitionTo(to); err != nil {
		return err
	}
	now := s.now()
	batch.ProcessingAttempts++
	batch.LastAttemptAt = &now
	return s.batches.SaveBatch(ctx, batch)
}

// submit calls the gateway and records the outcome. It must only ever run
// while holding the claim on the batch.
func (s *Submitter) submit(ctx context.Context, batch *model.PayoutBatch) error {
	members, err := s.records.ListBatchRecords(ctx, batch.BatchTransferID)
	if err != nil {
		return fmt.Errorf("load batch records: %w", err)
	}

	items := make([]gateway.Beneficiary, 0, len(members))
	for _, record := range members {
		if record.IsTerminal() {
			continue
		}
		items = append(items, gateway.Beneficiary{
			RecordID:      record.ID,
			BeneficiaryID: record.BeneficiaryID,
			Amount:        record.Amount,
			Currency:      record.Currency,
		})
	}

	result, err := s.gateway.SubmitBatch(ctx, batch.BatchTransferID, items)
	if err != nil {
		s.metrics.SubmissionsTotal.WithLabelValues("transport_error").Inc()
		return s.markAsFailed(ctx, batch, gateway.CodeTransportError, err.Error(), "")
	}
	if !result.Accepted {
		s.metrics.SubmissionsTotal.WithLabelValues("rejected").Inc()
		return s.markAsFailed(ctx, batch, result.ErrorCode, result.ErrorMessage, result.Raw)
	}

	s.metrics.SubmissionsTotal.WithLabelValues("accepted").Inc()

	batch.GatewayBatchID = result.GatewayBatchID
	batch.LastGatewayResponse = result.Raw
	batch.ErrorCode = ""
	batch.ErrorMessage = ""
	if batch.Status == model.BatchStatusInitiated {
		if err := batch.TransitionTo(model.BatchStatusProcessing); err != nil {
			return err
		}
	}
	if err := s.batches.SaveBatch(ctx, batch); err != nil {
		return fmt.Errorf("save accepted batch: %w", err)
	}

	for _, record := range members {
		if record.Status != model.RecordStatusPending {
			continue
		}
		if err := record.TransitionTo(model.RecordStatusProcessing); err != nil {
			return err
		}
		if err := s.records.SaveRecord(ctx, record); err != nil {
			return err
		}
	}

	s.logger.Info("Payout batch accepted by gateway",
		zap.String("batchTransferId", batch.BatchTransferID),
		zap.String("gatewayBatchId", batch.GatewayBatchID),
		zap.Int("beneficiaries", len(items)),
		zap.Int("attempt", batch.ProcessingAttempts),
	)
	return nil
}

// markAsFailed records a submission failure with its classification and
// schedules the next retry window. Member records are untouched: they
// never reached the gateway.
func (s *Submitter) markAsFailed(ctx context.Context, batch *model.PayoutBatch, code, message, raw string) error {
	if err := batch.TransitionTo(model.BatchStatusFailed); err != nil {
		return err
	}
	batch.ErrorCode = code
	batch.ErrorMessage = message
	if raw != "" {
		batch.LastGatewayResponse = raw
	}
	batch.Retryable = gateway.RetryableCode(code)
	if batch.Retryable {
		next := s.now().Add(batch.NextRetryDelay())
		batch.NextRetryAt = &next
	}

	if err := s.batches.SaveBatch(ctx, batch); err != nil {
		return fmt.Errorf("save failed batch: %w", err)
	}

	s.logger.Warn("Payout batch submission failed",
		zap.String("batchTransferId", batch.BatchTransferID),
		zap.String("errorCode", code),
		zap.String("errorMessage", message),
		zap.Bool("retryable", batch.Retryable),
		zap.Int("attempt", batch.ProcessingAttempts),
	)
	return nil
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}

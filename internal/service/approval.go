package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/model"
	"github.com/zammer/payout-engine/internal/repository"
)

// ApprovalService is the human checkpoint in front of batch submission.
type ApprovalService struct {
	records repository.RecordRepository
	batches repository.BatchRepository
	logger  *zap.Logger
}

// NewApprovalService creates a new approval service
func NewApprovalService(records repository.RecordRepository, batches repository.BatchRepository, logger *zap.Logger) *ApprovalService {
	return &ApprovalService{
		records: records,
		batches: batches,
		logger:  logger,
	}
}

// Approve records the operator decision and unblocks submission.
func (s *ApprovalService) Approve(ctx context.Context, batchTransferID, approver string) (*model.PayoutBatch, error) {
	if approver == "" {
		return nil, fmt.Errorf("approver is required")
	}

	batch, err := s.batches.GetBatch(ctx, batchTransferID)
	if err != nil {
		return nil, err
	}
	if !batch.Approval.Required {
		return nil, fmt.Errorf("batch %s does not require approval", batchTransferID)
	}
	if batch.Approval.Status != model.ApprovalStatusPending {
		return nil, fmt.Errorf("batch %s approval already decided: %s", batchTransferID, batch.Approval.Status)
	}

	now := time.Now()
	batch.Approval.Status = model.ApprovalStatusApproved
	batch.Approval.Approver = approver
	batch.Approval.DecidedAt = &now
	batch.UpdatedAt = now

	if err := s.batches.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("save approved batch: %w", err)
	}

	s.logger.Info("Payout batch approved",
		zap.String("batchTransferId", batchTransferID),
		zap.String("approver", approver),
	)
	return batch, nil
}

// Reject records the operator decision and cancels the batch. A rejected
// batch is terminal and excluded from all further processing.
func (s *ApprovalService) Reject(ctx context.Context, batchTransferID, approver, reason string) (*model.PayoutBatch, error) {
	if approver == "" {
		return nil, fmt.Errorf("approver is required")
	}

	batch, err := s.batches.GetBatch(ctx, batchTransferID)
	if err != nil {
		return nil, err
	}
	if !batch.Approval.Required {
		return nil, fmt.Errorf("batch %s does not require approval", batchTransferID)
	}
	if batch.Approval.Status != model.ApprovalStatusPending {
		return nil, fmt.Errorf("batch %s approval already decided: %s", batchTransferID, batch.Approval.Status)
	}

	if err := s.batches.ClaimBatch(ctx, batchTransferID, model.BatchStatusPending, model.BatchStatusCancelled); err != nil {
		return nil, err
	}
	if err := batch.TransitionTo(model.BatchStatusCancelled); err != nil {
		return nil, err
	}

	now := time.Now()
	batch.Approval.Status = model.ApprovalStatusRejected
	batch.Approval.Approver = approver
	batch.Approval.DecidedAt = &now
	batch.Approval.RejectionReason = reason

	if err := s.batches.SaveBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("save rejected batch: %w", err)
	}

	// The money is still owed: release the member records back into the
	// unbatched pool so the builder can regroup them after correction.
	members, err := s.records.ListBatchRecords(ctx, batchTransferID)
	if err != nil {
		return nil, err
	}
	for _, record := range members {
		if err := s.records.DetachRecord(ctx, record.ID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Payout batch rejected",
		zap.String("batchTransferId", batchTransferID),
		zap.String("approver", approver),
		zap.String("reason", reason),
	)
	return batch, nil
}

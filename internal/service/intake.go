package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/metrics"
	"github.com/zammer/payout-engine/internal/model"
	"github.com/zammer/payout-engine/internal/repository"
)

// Intake turns upstream "beneficiary is owed money" events into pending
// payout records. Events carry a reference id so redelivery never creates
// a second record for the same obligation.
type Intake struct {
	records repository.RecordRepository
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewIntake creates a new intake service
func NewIntake(records repository.RecordRepository, logger *zap.Logger, m *metrics.Metrics) *Intake {
	return &Intake{
		records: records,
		logger:  logger,
		metrics: m,
	}
}

// OwedRequest represents an upstream signal that a beneficiary is owed money
type OwedRequest struct {
	BeneficiaryID   string
	BeneficiaryType model.BeneficiaryType
	Amount          decimal.Decimal
	Currency        string
	Reason          string
	ReferenceID     string
}

// RecordOwed creates a pending payout record for the obligation, or
// returns the existing record when the reference id was seen before.
func (s *Intake) RecordOwed(ctx context.Context, req *OwedRequest) (*model.PayoutRecord, error) {
	if req.BeneficiaryID == "" {
		return nil, fmt.Errorf("beneficiary id is required")
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative, got %s", req.Amount)
	}

	if req.ReferenceID != "" {
		existing, err := s.records.GetRecordByReference(ctx, req.ReferenceID)
		if err == nil {
			s.logger.Info("Duplicate payout event ignored",
				zap.String("referenceId", req.ReferenceID),
				zap.String("recordId", existing.ID),
			)
			return existing, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	record := model.NewPayoutRecord(req.BeneficiaryID, req.BeneficiaryType, req.Amount, req.Currency)
	record.Reason = req.Reason
	record.ReferenceID = req.ReferenceID

	if err := s.records.SaveRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("save payout record: %w", err)
	}
	s.metrics.RecordsCreatedTotal.Inc()

	s.logger.Info("Payout record created",
		zap.String("recordId", record.ID),
		zap.String("beneficiaryId", record.BeneficiaryID),
		zap.String("amount", record.Amount.String()),
		zap.String("currency", record.Currency),
	)
	return record, nil
}

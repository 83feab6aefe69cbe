package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordStatus represents the status of a single payout record
type RecordStatus string

const (
	RecordStatusPending    RecordStatus = "PENDING"
	RecordStatusInitiated  RecordStatus = "INITIATED"
	RecordStatusProcessing RecordStatus = "PROCESSING"
	RecordStatusCompleted  RecordStatus = "COMPLETED"
	RecordStatusFailed     RecordStatus = "FAILED"
)

// BeneficiaryType identifies what kind of counterparty is owed money
type BeneficiaryType string

const (
	BeneficiaryTypeDeliveryAgent BeneficiaryType = "DELIVERY_AGENT"
	BeneficiaryTypeSeller        BeneficiaryType = "SELLER"
)

// PayoutRecord represents one amount owed to one beneficiary.
// Amount is fixed at creation and never mutated afterwards.
type PayoutRecord struct {
	ID                string          `json:"id"`
	BatchID           string          `json:"batchId,omitempty"`
	BeneficiaryID     string          `json:"beneficiaryId"`
	BeneficiaryType   BeneficiaryType `json:"beneficiaryType"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Reason            string          `json:"reason,omitempty"`
	ReferenceID       string          `json:"referenceId,omitempty"`
	Status            RecordStatus    `json:"status"`
	GatewayTransferID string          `json:"gatewayTransferId,omitempty"`
	ErrorCode         string          `json:"errorCode,omitempty"`
	ErrorMessage      string          `json:"errorMessage,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// NewPayoutRecord creates a pending, unbatched payout record.
func NewPayoutRecord(beneficiaryID string, beneficiaryType BeneficiaryType, amount decimal.Decimal, currency string) *PayoutRecord {
	now := time.Now()
	return &PayoutRecord{
		ID:              "po_" + uuid.New().String(),
		BeneficiaryID:   beneficiaryID,
		BeneficiaryType: beneficiaryType,
		Amount:          amount,
		Currency:        currency,
		Status:          RecordStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// TransitionTo moves the record to the given status, rejecting any edge
// not present in the record transition table.
func (r *PayoutRecord) TransitionTo(status RecordStatus) error {
	if !recordTransitionAllowed(r.Status, status) {
		return fmt.Errorf("%w: payout record %s cannot move %s -> %s", ErrInvalidTransition, r.ID, r.Status, status)
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	return nil
}

// IsTerminal reports whether the record has reached a final status.
func (r *PayoutRecord) IsTerminal() bool {
	return r.Status == RecordStatusCompleted || r.Status == RecordStatusFailed
}

// Detach reverts a record back into the unbatched pending pool so the
// batch builder can pick it up into a fresh batch with a new transfer id.
// Pending records detach in place; failed records roll back to pending.
func (r *PayoutRecord) Detach() error {
	if r.Status == RecordStatusFailed {
		if err := r.TransitionTo(RecordStatusPending); err != nil {
			return err
		}
	} else if r.Status != RecordStatusPending {
		return fmt.Errorf("%w: payout record %s in status %s cannot be detached", ErrInvalidTransition, r.ID, r.Status)
	}
	r.BatchID = ""
	r.GatewayTransferID = ""
	r.ErrorCode = ""
	r.ErrorMessage = ""
	r.UpdatedAt = time.Now()
	return nil
}

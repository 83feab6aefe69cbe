package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxProcessingAttempts caps how many times a batch may be driven through
// the gateway before it requires manual operator action.
const MaxProcessingAttempts = 3

// RetryBaseDelay is the delay before the first automatic retry. Each
// further retry doubles it (60, 120, 240 minutes).
const RetryBaseDelay = 60 * time.Minute

// BatchStatus represents the status of a payout batch
type BatchStatus string

const (
	BatchStatusPending            BatchStatus = "PENDING"
	BatchStatusInitiated          BatchStatus = "INITIATED"
	BatchStatusProcessing         BatchStatus = "PROCESSING"
	BatchStatusCompleted          BatchStatus = "COMPLETED"
	BatchStatusFailed             BatchStatus = "FAILED"
	BatchStatusCancelled          BatchStatus = "CANCELLED"
	BatchStatusPartiallyCompleted BatchStatus = "PARTIALLY_COMPLETED"
)

// ApprovalStatus represents the state of an admin approval checkpoint
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
)

// Approval holds the optional human checkpoint that blocks submission
// of a batch until explicitly approved.
type Approval struct {
	Required        bool           `json:"required"`
	Status          ApprovalStatus `json:"status,omitempty"`
	Approver        string         `json:"approver,omitempty"`
	DecidedAt       *time.Time     `json:"decidedAt,omitempty"`
	RejectionReason string         `json:"rejectionReason,omitempty"`
}

// PayoutBatch represents a group of payout records submitted to the
// gateway together under one idempotency key (the batch transfer id).
type PayoutBatch struct {
	BatchTransferID string      `json:"batchTransferId"`
	GatewayBatchID  string      `json:"gatewayBatchId,omitempty"`
	Status          BatchStatus `json:"status"`
	BatchDate       time.Time   `json:"batchDate"`

	TotalPayouts      int `json:"totalPayouts"`
	SuccessfulPayouts int `json:"successfulPayouts"`
	FailedPayouts     int `json:"failedPayouts"`
	PendingPayouts    int `json:"pendingPayouts"`

	TotalAmount      decimal.Decimal `json:"totalAmount"`
	SuccessfulAmount decimal.Decimal `json:"successfulAmount"`
	FailedAmount     decimal.Decimal `json:"failedAmount"`
	PendingAmount    decimal.Decimal `json:"pendingAmount"`

	ProcessingAttempts  int        `json:"processingAttempts"`
	Retryable           bool       `json:"retryable"`
	NextRetryAt         *time.Time `json:"nextRetryAt,omitempty"`
	LastAttemptAt       *time.Time `json:"lastAttemptAt,omitempty"`
	InitiatedAt         *time.Time `json:"initiatedAt,omitempty"`
	ProcessedAt         *time.Time `json:"processedAt,omitempty"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	FailedAt            *time.Time `json:"failedAt,omitempty"`
	ErrorCode           string     `json:"errorCode,omitempty"`
	ErrorMessage        string     `json:"errorMessage,omitempty"`
	LastGatewayResponse string     `json:"lastGatewayResponse,omitempty"`
	AdminNotes          string     `json:"adminNotes,omitempty"`

	Approval Approval `json:"adminApproval"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewBatchTransferID generates a fresh gateway idempotency key.
func NewBatchTransferID() string {
	return "BATCH_" + uuid.New().String()
}

// NewPayoutBatch creates an empty pending batch for the given cutoff date.
func NewPayoutBatch(batchTransferID string, batchDate time.Time) *PayoutBatch {
	now := time.Now()
	return &PayoutBatch{
		BatchTransferID:  batchTransferID,
		Status:           BatchStatusPending,
		BatchDate:        batchDate,
		TotalAmount:      decimal.Zero,
		SuccessfulAmount: decimal.Zero,
		FailedAmount:     decimal.Zero,
		PendingAmount:    decimal.Zero,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// TransitionTo moves the batch to the given status, rejecting any edge not
// present in the batch transition table, and stamps the matching timestamp.
func (b *PayoutBatch) TransitionTo(status BatchStatus) error {
	if !batchTransitionAllowed(b.Status, status) {
		return fmt.Errorf("%w: batch %s cannot move %s -> %s", ErrInvalidTransition, b.BatchTransferID, b.Status, status)
	}
	now := time.Now()
	b.Status = status
	b.UpdatedAt = now
	switch status {
	case BatchStatusInitiated:
		b.InitiatedAt = &now
	case BatchStatusProcessing:
		b.ProcessedAt = &now
	case BatchStatusCompleted, BatchStatusPartiallyCompleted:
		b.CompletedAt = &now
	case BatchStatusFailed:
		b.FailedAt = &now
	}
	return nil
}

// IsTerminal reports whether the batch can never be processed again.
// A failed batch is terminal only once its attempts are exhausted or it
// has been classified non-retryable.
func (b *PayoutBatch) IsTerminal() bool {
	switch b.Status {
	case BatchStatusCompleted, BatchStatusCancelled, BatchStatusPartiallyCompleted:
		return true
	case BatchStatusFailed:
		return !b.Retryable || b.ProcessingAttempts >= MaxProcessingAttempts
	}
	return false
}

// CanRetry reports whether the batch is eligible for an automatic retry
// at the given time.
func (b *PayoutBatch) CanRetry(now time.Time) bool {
	if b.Status != BatchStatusFailed || !b.Retryable {
		return false
	}
	if b.ProcessingAttempts >= MaxProcessingAttempts {
		return false
	}
	return b.NextRetryAt == nil || !b.NextRetryAt.After(now)
}

// RequiresApproval reports whether the batch is blocked on an operator
// decision before it may be submitted.
func (b *PayoutBatch) RequiresApproval() bool {
	return b.Approval.Required && b.Approval.Status != ApprovalStatusApproved
}

// NextRetryDelay returns the backoff delay to apply after the current
// attempt: 60 minutes after the first failure, then 120, then 240.
func (b *PayoutBatch) NextRetryDelay() time.Duration {
	attempt := b.ProcessingAttempts
	if attempt < 1 {
		attempt = 1
	}
	return RetryBaseDelay << (attempt - 1)
}

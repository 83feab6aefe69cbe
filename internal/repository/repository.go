package repository

import (
	"context"
	"errors"
	"time"

	"github.com/zammer/payout-engine/internal/model"
)

// ErrNotFound is returned when a record or batch does not exist.
var ErrNotFound = errors.New("not found")

// ErrClaimLost is returned when a conditional status transition fails
// because another worker already made it. Callers treat this as a no-op
// skip, never as an error to retry.
var ErrClaimLost = errors.New("batch claim lost to another worker")

// RecordRepository defines storage for individual payout records
type RecordRepository interface {
	// SaveRecord saves or updates a payout record and its indexes
	SaveRecord(ctx context.Context, record *model.PayoutRecord) error

	// GetRecord retrieves a payout record by ID
	GetRecord(ctx context.Context, id string) (*model.PayoutRecord, error)

	// GetRecordByReference retrieves a record by its upstream reference ID
	GetRecordByReference(ctx context.Context, referenceID string) (*model.PayoutRecord, error)

	// ListRecords retrieves records with optional filters
	ListRecords(ctx context.Context, filter RecordFilter) ([]*model.PayoutRecord, error)

	// ListBatchRecords retrieves all records belonging to a batch
	ListBatchRecords(ctx context.Context, batchTransferID string) ([]*model.PayoutRecord, error)

	// FindUnbatchedPending retrieves pending records with no batch
	// assignment created at or before the cutoff, ordered by creation
	// time ascending then ID. A limit of 0 means no limit.
	FindUnbatchedPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.PayoutRecord, error)

	// AssignBatch conditionally assigns each record to the batch. A
	// record already assigned elsewhere is skipped. Returns the IDs of
	// the records actually assigned.
	AssignBatch(ctx context.Context, recordIDs []string, batchTransferID string) ([]string, error)

	// DetachRecord removes a record from its batch and returns it to the
	// unbatched pending pool (see model.PayoutRecord.Detach).
	DetachRecord(ctx context.Context, id string) error
}

// BatchRepository defines storage for payout batches
type BatchRepository interface {
	// SaveBatch saves or updates a batch and its indexes
	SaveBatch(ctx context.Context, batch *model.PayoutBatch) error

	// GetBatch retrieves a batch by its batch transfer ID
	GetBatch(ctx context.Context, batchTransferID string) (*model.PayoutBatch, error)

	// ListBatches retrieves batches with optional filters
	ListBatches(ctx context.Context, filter BatchFilter) ([]*model.PayoutBatch, error)

	// FindPendingBatches retrieves pending batches whose batch date is
	// at or before dueBy, for first submission.
	FindPendingBatches(ctx context.Context, dueBy time.Time, limit int) ([]*model.PayoutBatch, error)

	// FindRetryableBatches retrieves failed, retryable batches with
	// attempts remaining whose next retry time is due. Disjoint from
	// FindPendingBatches by construction (different status).
	FindRetryableBatches(ctx context.Context, now time.Time, limit int) ([]*model.PayoutBatch, error)

	// FindProcessingBatches retrieves batches awaiting reconciliation.
	FindProcessingBatches(ctx context.Context, limit int) ([]*model.PayoutBatch, error)

	// ClaimBatch performs the atomic conditional transition that grants
	// exclusive submission rights over a batch. It succeeds for exactly
	// one caller; all others get ErrClaimLost. The caller must follow a
	// successful claim with TransitionTo + SaveBatch on its copy.
	ClaimBatch(ctx context.Context, batchTransferID string, from, to model.BatchStatus) error
}

// Store combines both repositories for wiring convenience.
type Store interface {
	RecordRepository
	BatchRepository
}

// RecordFilter defines filters for listing payout records
type RecordFilter struct {
	Status        model.RecordStatus
	BeneficiaryID string
	Limit         int
}

// BatchFilter defines filters for listing payout batches
type BatchFilter struct {
	Status model.BatchStatus
	Limit  int
}

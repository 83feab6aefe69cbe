package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zammer/payout-engine/internal/model"
)

// MemoryRepository implements Store with in-process maps. It backs the
// degraded no-Redis mode and the package tests. Claim semantics match the
// Redis implementation: a mutex-guarded compare-and-set.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[string]*model.PayoutRecord
	byRef   map[string]string
	batches map[string]*model.PayoutBatch
	// claims mirrors the dedicated status key of the Redis repository;
	// it is the source of truth for ClaimBatch.
	claims map[string]model.BatchStatus
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: make(map[string]*model.PayoutRecord),
		byRef:   make(map[string]string),
		batches: make(map[string]*model.PayoutBatch),
		claims:  make(map[string]model.BatchStatus),
	}
}

func (r *MemoryRepository) SaveRecord(ctx context.Context, record *model.PayoutRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *record
	r.records[record.ID] = &cp
	if record.ReferenceID != "" {
		if _, ok := r.byRef[record.ReferenceID]; !ok {
			r.byRef[record.ReferenceID] = record.ID
		}
	}
	return nil
}

func (r *MemoryRepository) GetRecord(ctx context.Context, id string) (*model.PayoutRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("payout record %s: %w", id, ErrNotFound)
	}
	cp := *record
	return &cp, nil
}

func (r *MemoryRepository) GetRecordByReference(ctx context.Context, referenceID string) (*model.PayoutRecord, error) {
	r.mu.Lock()
	id, ok := r.byRef[referenceID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("payout record for reference %s: %w", referenceID, ErrNotFound)
	}
	return r.GetRecord(ctx, id)
}

func (r *MemoryRepository) ListRecords(ctx context.Context, filter RecordFilter) ([]*model.PayoutRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.PayoutRecord
	for _, record := range r.records {
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		if filter.BeneficiaryID != "" && record.BeneficiaryID != filter.BeneficiaryID {
			continue
		}
		cp := *record
		result = append(result, &cp)
	}
	sortRecords(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *MemoryRepository) ListBatchRecords(ctx context.Context, batchTransferID string) ([]*model.PayoutRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.PayoutRecord
	for _, record := range r.records {
		if record.BatchID == batchTransferID {
			cp := *record
			result = append(result, &cp)
		}
	}
	sortRecords(result)
	return result, nil
}

func (r *MemoryRepository) FindUnbatchedPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.PayoutRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.PayoutRecord
	for _, record := range r.records {
		if record.Status != model.RecordStatusPending || record.BatchID != "" {
			continue
		}
		if record.CreatedAt.After(cutoff) {
			continue
		}
		cp := *record
		result = append(result, &cp)
	}
	sortRecords(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryRepository) AssignBatch(ctx context.Context, recordIDs []string, batchTransferID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var assigned []string
	for _, id := range recordIDs {
		record, ok := r.records[id]
		if !ok {
			continue
		}
		if record.Status != model.RecordStatusPending || record.BatchID != "" {
			continue
		}
		record.BatchID = batchTransferID
		record.UpdatedAt = time.Now()
		assigned = append(assigned, id)
	}
	return assigned, nil
}

func (r *MemoryRepository) DetachRecord(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return fmt.Errorf("payout record %s: %w", id, ErrNotFound)
	}
	return record.Detach()
}

func (r *MemoryRepository) SaveBatch(ctx context.Context, batch *model.PayoutBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *batch
	r.batches[batch.BatchTransferID] = &cp
	r.claims[batch.BatchTransferID] = batch.Status
	return nil
}

func (r *MemoryRepository) GetBatch(ctx context.Context, batchTransferID string) (*model.PayoutBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch, ok := r.batches[batchTransferID]
	if !ok {
		return nil, fmt.Errorf("payout batch %s: %w", batchTransferID, ErrNotFound)
	}
	cp := *batch
	return &cp, nil
}

func (r *MemoryRepository) ListBatches(ctx context.Context, filter BatchFilter) ([]*model.PayoutBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.PayoutBatch
	for _, batch := range r.batches {
		if filter.Status != "" && batch.Status != filter.Status {
			continue
		}
		cp := *batch
		result = append(result, &cp)
	}
	sortBatches(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (r *MemoryRepository) FindPendingBatches(ctx context.Context, dueBy time.Time, limit int) ([]*model.PayoutBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.PayoutBatch
	for _, batch := range r.batches {
		if batch.Status != model.BatchStatusPending || batch.BatchDate.After(dueBy) {
			continue
		}
		cp := *batch
		result = append(result, &cp)
	}
	sortBatches(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryRepository) FindRetryableBatches(ctx context.Context, now time.Time, limit int) ([]*model.PayoutBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.PayoutBatch
	for _, batch := range r.batches {
		if !batch.CanRetry(now) {
			continue
		}
		cp := *batch
		result = append(result, &cp)
	}
	sortBatches(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryRepository) FindProcessingBatches(ctx context.Context, limit int) ([]*model.PayoutBatch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.PayoutBatch
	for _, batch := range r.batches {
		if batch.Status != model.BatchStatusProcessing {
			continue
		}
		cp := *batch
		result = append(result, &cp)
	}
	sortBatches(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *MemoryRepository) ClaimBatch(ctx context.Context, batchTransferID string, from, to model.BatchStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.claims[batchTransferID]
	if !ok {
		return fmt.Errorf("payout batch %s: %w", batchTransferID, ErrNotFound)
	}
	if current != from {
		return fmt.Errorf("batch %s %s -> %s: %w", batchTransferID, from, to, ErrClaimLost)
	}
	r.claims[batchTransferID] = to
	return nil
}

func sortRecords(records []*model.PayoutRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}

func sortBatches(batches []*model.PayoutBatch) {
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].BatchDate.Equal(batches[j].BatchDate) {
			return batches[i].BatchTransferID < batches[j].BatchTransferID
		}
		return batches[i].BatchDate.Before(batches[j].BatchDate)
	})
}

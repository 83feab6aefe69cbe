package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zammer/payout-engine/internal/model"
)

func newTestRedisRepo(t *testing.T) *RedisRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisRepository(client)
}

func newTestRecord(beneficiary string, amount int64, createdAt time.Time) *model.PayoutRecord {
	record := model.NewPayoutRecord(beneficiary, model.BeneficiaryTypeDeliveryAgent, decimal.NewFromInt(amount), "INR")
	record.CreatedAt = createdAt
	record.UpdatedAt = createdAt
	return record
}

func TestRedisRepository_SaveAndGetRecord(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()

	record := newTestRecord("agent_1", 250, time.Now())
	record.ReferenceID = "order_1"
	require.NoError(t, repo.SaveRecord(ctx, record))

	got, err := repo.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(250)))

	byRef, err := repo.GetRecordByReference(ctx, "order_1")
	require.NoError(t, err)
	assert.Equal(t, record.ID, byRef.ID)

	_, err = repo.GetRecord(ctx, "po_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisRepository_FindUnbatchedPending(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	second := newTestRecord("agent_2", 100, base.Add(10*time.Minute))
	first := newTestRecord("agent_1", 100, base)
	late := newTestRecord("agent_3", 100, base.Add(2*time.Hour))
	for _, record := range []*model.PayoutRecord{second, first, late} {
		require.NoError(t, repo.SaveRecord(ctx, record))
	}

	got, err := repo.FindUnbatchedPending(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 2, "record created after the cutoff must be excluded")
	assert.Equal(t, first.ID, got[0].ID, "records must be ordered by creation time")
	assert.Equal(t, second.ID, got[1].ID)
}

func TestRedisRepository_AssignBatch_NeverAssignsTwice(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()

	record := newTestRecord("agent_1", 100, time.Now())
	require.NoError(t, repo.SaveRecord(ctx, record))

	assigned, err := repo.AssignBatch(ctx, []string{record.ID}, "BATCH_a")
	require.NoError(t, err)
	require.Equal(t, []string{record.ID}, assigned)

	again, err := repo.AssignBatch(ctx, []string{record.ID}, "BATCH_b")
	require.NoError(t, err)
	assert.Empty(t, again, "a record must never belong to two batches")

	got, err := repo.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "BATCH_a", got.BatchID)

	members, err := repo.ListBatchRecords(ctx, "BATCH_a")
	require.NoError(t, err)
	require.Len(t, members, 1)

	// Pool removal, document write and member-set entry land together:
	// an assigned record is gone from the pool the moment it is assigned.
	pool, err := repo.FindUnbatchedPending(ctx, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, pool)
}

func TestRedisRepository_DetachRecord(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()

	record := newTestRecord("agent_1", 100, time.Now())
	require.NoError(t, repo.SaveRecord(ctx, record))
	_, err := repo.AssignBatch(ctx, []string{record.ID}, "BATCH_a")
	require.NoError(t, err)

	got, err := repo.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	got.Status = model.RecordStatusFailed
	require.NoError(t, repo.SaveRecord(ctx, got))

	require.NoError(t, repo.DetachRecord(ctx, record.ID))

	detached, err := repo.GetRecord(ctx, record.ID)
	require.NoError(t, err)
	assert.Empty(t, detached.BatchID)
	assert.Equal(t, model.RecordStatusPending, detached.Status)

	members, err := repo.ListBatchRecords(ctx, "BATCH_a")
	require.NoError(t, err)
	assert.Empty(t, members)

	pool, err := repo.FindUnbatchedPending(ctx, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, pool, 1, "detached record must return to the unbatched pool")
}

func TestRedisRepository_ClaimBatch(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()

	batch := model.NewPayoutBatch("BATCH_claim", time.Now())
	require.NoError(t, repo.SaveBatch(ctx, batch))

	require.NoError(t, repo.ClaimBatch(ctx, batch.BatchTransferID, model.BatchStatusPending, model.BatchStatusInitiated))

	err := repo.ClaimBatch(ctx, batch.BatchTransferID, model.BatchStatusPending, model.BatchStatusInitiated)
	assert.ErrorIs(t, err, ErrClaimLost)
}

func TestRedisRepository_ClaimBatch_Exclusive(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()

	batch := model.NewPayoutBatch("BATCH_race", time.Now())
	require.NoError(t, repo.SaveBatch(ctx, batch))

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := repo.ClaimBatch(ctx, batch.BatchTransferID, model.BatchStatusPending, model.BatchStatusInitiated)
			if err == nil {
				wins <- struct{}{}
				return
			}
			if !errors.Is(err, ErrClaimLost) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1, "exactly one worker must win the claim")
}

func TestRedisRepository_BatchWorkQueues(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()
	now := time.Now()

	pending := model.NewPayoutBatch("BATCH_pending", now.Add(-time.Minute))
	require.NoError(t, repo.SaveBatch(ctx, pending))

	notDue := model.NewPayoutBatch("BATCH_future", now.Add(time.Hour))
	require.NoError(t, repo.SaveBatch(ctx, notDue))

	failedDue := model.NewPayoutBatch("BATCH_retry", now.Add(-time.Hour))
	failedDue.Status = model.BatchStatusFailed
	failedDue.Retryable = true
	failedDue.ProcessingAttempts = 1
	retryAt := now.Add(-time.Minute)
	failedDue.NextRetryAt = &retryAt
	require.NoError(t, repo.SaveBatch(ctx, failedDue))

	failedLater := model.NewPayoutBatch("BATCH_retry_later", now.Add(-time.Hour))
	failedLater.Status = model.BatchStatusFailed
	failedLater.Retryable = true
	failedLater.ProcessingAttempts = 1
	laterAt := now.Add(time.Hour)
	failedLater.NextRetryAt = &laterAt
	require.NoError(t, repo.SaveBatch(ctx, failedLater))

	exhausted := model.NewPayoutBatch("BATCH_exhausted", now.Add(-time.Hour))
	exhausted.Status = model.BatchStatusFailed
	exhausted.Retryable = true
	exhausted.ProcessingAttempts = model.MaxProcessingAttempts
	require.NoError(t, repo.SaveBatch(ctx, exhausted))

	processing := model.NewPayoutBatch("BATCH_processing", now.Add(-time.Hour))
	processing.Status = model.BatchStatusProcessing
	require.NoError(t, repo.SaveBatch(ctx, processing))

	due, err := repo.FindPendingBatches(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "BATCH_pending", due[0].BatchTransferID)

	retryable, err := repo.FindRetryableBatches(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, retryable, 1, "only due, non-exhausted failed batches are retryable")
	assert.Equal(t, "BATCH_retry", retryable[0].BatchTransferID)

	inFlight, err := repo.FindProcessingBatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, inFlight, 1)
	assert.Equal(t, "BATCH_processing", inFlight[0].BatchTransferID)
}

func TestRedisRepository_SaveBatchMovesIndexes(t *testing.T) {
	repo := newTestRedisRepo(t)
	ctx := context.Background()
	now := time.Now()

	batch := model.NewPayoutBatch("BATCH_move", now.Add(-time.Minute))
	require.NoError(t, repo.SaveBatch(ctx, batch))

	require.NoError(t, batch.TransitionTo(model.BatchStatusInitiated))
	require.NoError(t, repo.SaveBatch(ctx, batch))

	due, err := repo.FindPendingBatches(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, due, "initiated batch must leave the pending queue")

	listed, err := repo.ListBatches(ctx, BatchFilter{Status: model.BatchStatusInitiated})
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

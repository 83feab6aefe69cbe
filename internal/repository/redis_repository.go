package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zammer/payout-engine/internal/model"
)

const (
	recordKeyPrefix     = "payout:record:"
	recordRefPrefix     = "payout:record:ref:"
	recordStatusPrefix  = "payout:records:status:"
	recordsByDateKey    = "payout:records:bydate"
	recordsUnbatchedKey = "payout:records:unbatched"

	batchKeyPrefix       = "payout:batch:"
	batchStatusKeySuffix = ":status"
	batchMembersSuffix   = ":records"
	batchStatusPrefix    = "payout:batches:status:"
	batchesByDateKey     = "payout:batches:bydate"
	batchesPendingKey    = "payout:batches:pending"
	batchesRetryKey      = "payout:batches:retry"
)

// claimScript performs the atomic compare-and-set on a batch status key
// that grants exclusive submission rights to exactly one worker.
var claimScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	redis.call('set', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// assignScript claims a record for a batch in one atomic step. The ZREM
// is the gate: only the caller that removes the record from the unbatched
// pool gets to write the assigned document and the member-set entry, so a
// record can never be assigned to two batches and a crash can never leave
// it claimed but unassigned.
var assignScript = redis.NewScript(`
if redis.call('zrem', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('set', KEYS[2], ARGV[2])
redis.call('sadd', KEYS[3], ARGV[1])
return 1
`)

var recordStatuses = []model.RecordStatus{
	model.RecordStatusPending,
	model.RecordStatusInitiated,
	model.RecordStatusProcessing,
	model.RecordStatusCompleted,
	model.RecordStatusFailed,
}

var batchStatuses = []model.BatchStatus{
	model.BatchStatusPending,
	model.BatchStatusInitiated,
	model.BatchStatusProcessing,
	model.BatchStatusCompleted,
	model.BatchStatusFailed,
	model.BatchStatusCancelled,
	model.BatchStatusPartiallyCompleted,
}

// RedisRepository implements Store using Redis. Documents are stored as
// JSON values; the query paths the scheduler depends on (pending by batch
// date, failed by next retry time, unbatched by creation time) are sorted
// sets scored by the relevant timestamp so they survive restarts and need
// no SCAN.
type RedisRepository struct {
	client redis.UniversalClient
}

// NewRedisRepository creates a new Redis repository
func NewRedisRepository(client redis.UniversalClient) *RedisRepository {
	return &RedisRepository{client: client}
}

func (r *RedisRepository) SaveRecord(ctx context.Context, record *model.PayoutRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, recordKeyPrefix+record.ID, data, 0)
	if record.ReferenceID != "" {
		pipe.SetNX(ctx, recordRefPrefix+record.ReferenceID, record.ID, 0)
	}
	pipe.ZAdd(ctx, recordsByDateKey, redis.Z{Score: float64(record.CreatedAt.UnixNano()), Member: record.ID})

	for _, s := range recordStatuses {
		if s == record.Status {
			pipe.SAdd(ctx, recordStatusPrefix+string(s), record.ID)
		} else {
			pipe.SRem(ctx, recordStatusPrefix+string(s), record.ID)
		}
	}

	if record.Status == model.RecordStatusPending && record.BatchID == "" {
		pipe.ZAdd(ctx, recordsUnbatchedKey, redis.Z{Score: float64(record.CreatedAt.UnixNano()), Member: record.ID})
	} else {
		pipe.ZRem(ctx, recordsUnbatchedKey, record.ID)
	}
	if record.BatchID != "" {
		pipe.SAdd(ctx, batchKeyPrefix+record.BatchID+batchMembersSuffix, record.ID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

func (r *RedisRepository) GetRecord(ctx context.Context, id string) (*model.PayoutRecord, error) {
	data, err := r.client.Get(ctx, recordKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("payout record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}

	var record model.PayoutRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &record, nil
}

func (r *RedisRepository) GetRecordByReference(ctx context.Context, referenceID string) (*model.PayoutRecord, error) {
	id, err := r.client.Get(ctx, recordRefPrefix+referenceID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("payout record for reference %s: %w", referenceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record by reference: %w", err)
	}
	return r.GetRecord(ctx, id)
}

func (r *RedisRepository) ListRecords(ctx context.Context, filter RecordFilter) ([]*model.PayoutRecord, error) {
	var ids []string
	var err error
	if filter.Status != "" {
		ids, err = r.client.SMembers(ctx, recordStatusPrefix+string(filter.Status)).Result()
	} else {
		ids, err = r.client.ZRange(ctx, recordsByDateKey, 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}

	records, err := r.loadRecords(ctx, ids)
	if err != nil {
		return nil, err
	}

	var result []*model.PayoutRecord
	for _, rec := range records {
		if filter.BeneficiaryID != "" && rec.BeneficiaryID != filter.BeneficiaryID {
			continue
		}
		result = append(result, rec)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (r *RedisRepository) ListBatchRecords(ctx context.Context, batchTransferID string) ([]*model.PayoutRecord, error) {
	ids, err := r.client.SMembers(ctx, batchKeyPrefix+batchTransferID+batchMembersSuffix).Result()
	if err != nil {
		return nil, fmt.Errorf("list batch records: %w", err)
	}
	sort.Strings(ids)
	return r.loadRecords(ctx, ids)
}

func (r *RedisRepository) FindUnbatchedPending(ctx context.Context, cutoff time.Time, limit int) ([]*model.PayoutRecord, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixNano(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, recordsUnbatchedKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("find unbatched pending: %w", err)
	}
	return r.loadRecords(ctx, ids)
}

func (r *RedisRepository) AssignBatch(ctx context.Context, recordIDs []string, batchTransferID string) ([]string, error) {
	var assigned []string
	for _, id := range recordIDs {
		record, err := r.GetRecord(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return assigned, err
		}
		if record.Status != model.RecordStatusPending || record.BatchID != "" {
			continue
		}
		record.BatchID = batchTransferID
		record.UpdatedAt = time.Now()
		data, err := json.Marshal(record)
		if err != nil {
			return assigned, fmt.Errorf("marshal record %s: %w", id, err)
		}

		keys := []string{
			recordsUnbatchedKey,
			recordKeyPrefix + id,
			batchKeyPrefix + batchTransferID + batchMembersSuffix,
		}
		won, err := assignScript.Run(ctx, r.client, keys, id, data).Int()
		if err != nil {
			return assigned, fmt.Errorf("claim record %s: %w", id, err)
		}
		if won == 0 {
			continue
		}
		assigned = append(assigned, id)
	}
	return assigned, nil
}

func (r *RedisRepository) DetachRecord(ctx context.Context, id string) error {
	record, err := r.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	batchID := record.BatchID
	if err := record.Detach(); err != nil {
		return err
	}
	if err := r.SaveRecord(ctx, record); err != nil {
		return err
	}
	if batchID != "" {
		if err := r.client.SRem(ctx, batchKeyPrefix+batchID+batchMembersSuffix, id).Err(); err != nil {
			return fmt.Errorf("detach record: %w", err)
		}
	}
	return nil
}

func (r *RedisRepository) SaveBatch(ctx context.Context, batch *model.PayoutBatch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, batchKeyPrefix+batch.BatchTransferID, data, 0)
	pipe.Set(ctx, batchKeyPrefix+batch.BatchTransferID+batchStatusKeySuffix, string(batch.Status), 0)
	pipe.ZAdd(ctx, batchesByDateKey, redis.Z{Score: float64(batch.BatchDate.Unix()), Member: batch.BatchTransferID})

	for _, s := range batchStatuses {
		if s == batch.Status {
			pipe.SAdd(ctx, batchStatusPrefix+string(s), batch.BatchTransferID)
		} else {
			pipe.SRem(ctx, batchStatusPrefix+string(s), batch.BatchTransferID)
		}
	}

	if batch.Status == model.BatchStatusPending {
		pipe.ZAdd(ctx, batchesPendingKey, redis.Z{Score: float64(batch.BatchDate.Unix()), Member: batch.BatchTransferID})
	} else {
		pipe.ZRem(ctx, batchesPendingKey, batch.BatchTransferID)
	}

	if batch.Status == model.BatchStatusFailed && batch.Retryable && batch.ProcessingAttempts < model.MaxProcessingAttempts {
		score := float64(0)
		if batch.NextRetryAt != nil {
			score = float64(batch.NextRetryAt.Unix())
		}
		pipe.ZAdd(ctx, batchesRetryKey, redis.Z{Score: score, Member: batch.BatchTransferID})
	} else {
		pipe.ZRem(ctx, batchesRetryKey, batch.BatchTransferID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	return nil
}

func (r *RedisRepository) GetBatch(ctx context.Context, batchTransferID string) (*model.PayoutBatch, error) {
	data, err := r.client.Get(ctx, batchKeyPrefix+batchTransferID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("payout batch %s: %w", batchTransferID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}

	var batch model.PayoutBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("unmarshal batch: %w", err)
	}
	return &batch, nil
}

func (r *RedisRepository) ListBatches(ctx context.Context, filter BatchFilter) ([]*model.PayoutBatch, error) {
	var ids []string
	var err error
	if filter.Status != "" {
		ids, err = r.client.SMembers(ctx, batchStatusPrefix+string(filter.Status)).Result()
		sort.Strings(ids)
	} else {
		ids, err = r.client.ZRevRange(ctx, batchesByDateKey, 0, -1).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	if filter.Limit > 0 && len(ids) > filter.Limit {
		ids = ids[:filter.Limit]
	}
	return r.loadBatches(ctx, ids)
}

func (r *RedisRepository) FindPendingBatches(ctx context.Context, dueBy time.Time, limit int) ([]*model.PayoutBatch, error) {
	return r.findByScore(ctx, batchesPendingKey, dueBy.Unix(), limit)
}

func (r *RedisRepository) FindRetryableBatches(ctx context.Context, now time.Time, limit int) ([]*model.PayoutBatch, error) {
	return r.findByScore(ctx, batchesRetryKey, now.Unix(), limit)
}

func (r *RedisRepository) FindProcessingBatches(ctx context.Context, limit int) ([]*model.PayoutBatch, error) {
	ids, err := r.client.SMembers(ctx, batchStatusPrefix+string(model.BatchStatusProcessing)).Result()
	if err != nil {
		return nil, fmt.Errorf("find processing batches: %w", err)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return r.loadBatches(ctx, ids)
}

func (r *RedisRepository) ClaimBatch(ctx context.Context, batchTransferID string, from, to model.BatchStatus) error {
	key := batchKeyPrefix + batchTransferID + batchStatusKeySuffix
	won, err := claimScript.Run(ctx, r.client, []string{key}, string(from), string(to)).Int()
	if err != nil {
		return fmt.Errorf("claim batch %s: %w", batchTransferID, err)
	}
	if won == 0 {
		return fmt.Errorf("batch %s %s -> %s: %w", batchTransferID, from, to, ErrClaimLost)
	}
	return nil
}

func (r *RedisRepository) findByScore(ctx context.Context, key string, max int64, limit int) ([]*model.PayoutBatch, error) {
	opt := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(max, 10)}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("find batches: %w", err)
	}
	return r.loadBatches(ctx, ids)
}

func (r *RedisRepository) loadRecords(ctx context.Context, ids []string) ([]*model.PayoutRecord, error) {
	var records []*model.PayoutRecord
	for _, id := range ids {
		record, err := r.GetRecord(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *RedisRepository) loadBatches(ctx context.Context, ids []string) ([]*model.PayoutBatch, error) {
	var batches []*model.PayoutBatch
	for _, id := range ids {
		batch, err := r.GetBatch(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/metrics"
	"github.com/zammer/payout-engine/internal/model"
)

func newApprovalEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	logger, _ := zap.NewDevelopment()
	env.builder = NewBatchBuilder(env.store, env.store, logger,
		metrics.New(prometheus.NewRegistry(), "test"), 100, decimal.NewFromInt(1000))
	return env
}

func TestApprovalService_Approve(t *testing.T) {
	env := newApprovalEnv(t)
	env.seedRecords(t, 3, 500)
	batch := env.buildOne(t)

	approved, err := env.approval.Approve(context.Background(), batch.BatchTransferID, "ops@movra.io")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Approval.Status != model.ApprovalStatusApproved {
		t.Errorf("expected approval status APPROVED, got %s", approved.Approval.Status)
	}
	if approved.Approval.Approver != "ops@movra.io" || approved.Approval.DecidedAt == nil {
		t.Error("expected approver identity and decision time to be recorded")
	}
	if approved.RequiresApproval() {
		t.Error("approved batch must no longer block submission")
	}
	if approved.Status != model.BatchStatusPending {
		t.Errorf("approval must not move the batch out of PENDING, got %s", approved.Status)
	}
}

func TestApprovalService_ApproveNotRequired(t *testing.T) {
	env := newTestEnv(t)
	env.seedRecords(t, 1, 100)
	batch := env.buildOne(t)

	if _, err := env.approval.Approve(context.Background(), batch.BatchTransferID, "ops@movra.io"); err == nil {
		t.Error("expected approving a batch without an approval requirement to fail")
	}
}

func TestApprovalService_ApproveTwice(t *testing.T) {
	env := newApprovalEnv(t)
	env.seedRecords(t, 3, 500)
	batch := env.buildOne(t)

	if _, err := env.approval.Approve(context.Background(), batch.BatchTransferID, "ops@movra.io"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := env.approval.Approve(context.Background(), batch.BatchTransferID, "ops2@movra.io"); err == nil {
		t.Error("expected a second decision on the same batch to fail")
	}
}

func TestApprovalService_Reject(t *testing.T) {
	env := newApprovalEnv(t)
	records := env.seedRecords(t, 2, 800)
	batch := env.buildOne(t)

	rejected, err := env.approval.Reject(context.Background(), batch.BatchTransferID, "ops@movra.io", "duplicate settlement run")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != model.BatchStatusCancelled {
		t.Errorf("expected rejected batch CANCELLED, got %s", rejected.Status)
	}
	if rejected.Approval.Status != model.ApprovalStatusRejected {
		t.Errorf("expected approval status REJECTED, got %s", rejected.Approval.Status)
	}
	if rejected.Approval.RejectionReason != "duplicate settlement run" {
		t.Error("expected rejection reason to be recorded")
	}

	// Member records return to the unbatched pool for a corrected rebuild.
	for _, record := range records {
		got, err := env.store.GetRecord(context.Background(), record.ID)
		if err != nil {
			t.Fatalf("get record: %v", err)
		}
		if got.BatchID != "" || got.Status != model.RecordStatusPending {
			t.Errorf("expected record %s released back to the pool, got batch %q status %s",
				got.ID, got.BatchID, got.Status)
		}
	}

	pool, err := env.store.FindUnbatchedPending(context.Background(), time.Now(), 0)
	if err != nil {
		t.Fatalf("find unbatched: %v", err)
	}
	if len(pool) != 2 {
		t.Errorf("expected 2 records back in the pool, got %d", len(pool))
	}
}

func TestApprovalService_RejectedBatchCannotBeSubmitted(t *testing.T) {
	env := newApprovalEnv(t)
	env.seedRecords(t, 2, 800)
	batch := env.buildOne(t)

	if _, err := env.approval.Reject(context.Background(), batch.BatchTransferID, "ops@movra.io", "bad totals"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	got, err := env.store.GetBatch(context.Background(), batch.BatchTransferID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if err := env.submitter.SubmitNew(context.Background(), got); err == nil {
		t.Fatal("expected submitting a cancelled batch to fail")
	}
	if env.gw.submissionCount(batch.BatchTransferID) != 0 {
		t.Error("cancelled batch must never reach the gateway")
	}
}

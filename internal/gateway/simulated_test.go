package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testItems(n int) []Beneficiary {
	items := make([]Beneficiary, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, Beneficiary{
			RecordID:      "po_" + string(rune('a'+i)),
			BeneficiaryID: "agent_" + string(rune('a'+i)),
			Amount:        decimal.NewFromInt(100),
			Currency:      "INR",
		})
	}
	return items
}

func TestSimulatedGateway_SubmitBatch_Success(t *testing.T) {
	gw := NewSimulatedGateway(0, time.Millisecond)

	result, err := gw.SubmitBatch(context.Background(), "BATCH_1", testItems(3))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !result.Accepted {
		t.Fatal("expected submission to be accepted")
	}
	if result.GatewayBatchID == "" {
		t.Error("expected a gateway batch id")
	}

	report, err := gw.GetBatchStatus(context.Background(), "BATCH_1")
	if err != nil {
		t.Fatalf("expected status report, got: %v", err)
	}
	if len(report.Items) != 3 {
		t.Fatalf("expected 3 item outcomes, got %d", len(report.Items))
	}
	for _, item := range report.Items {
		if item.State != ItemStateCompleted {
			t.Errorf("expected item %s completed, got %s", item.RecordID, item.State)
		}
	}
}

func TestSimulatedGateway_SubmitBatch_Idempotent(t *testing.T) {
	gw := NewSimulatedGateway(0, time.Millisecond)
	items := testItems(2)

	first, err := gw.SubmitBatch(context.Background(), "BATCH_1", items)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	second, err := gw.SubmitBatch(context.Background(), "BATCH_1", items)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if first.GatewayBatchID != second.GatewayBatchID {
		t.Error("resubmitting the same transfer id must not create a second gateway batch")
	}
	if gw.SubmissionCount("BATCH_1") != 2 {
		t.Errorf("expected 2 recorded submissions, got %d", gw.SubmissionCount("BATCH_1"))
	}

	report, err := gw.GetBatchStatus(context.Background(), "BATCH_1")
	if err != nil {
		t.Fatalf("expected status report, got: %v", err)
	}
	if len(report.Items) != 2 {
		t.Errorf("expected 2 item outcomes, not duplicated transfers, got %d", len(report.Items))
	}
}

func TestSimulatedGateway_SubmitBatch_EmptyBatchRejected(t *testing.T) {
	gw := NewSimulatedGateway(0, time.Millisecond)

	result, err := gw.SubmitBatch(context.Background(), "BATCH_empty", nil)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if result.Accepted {
		t.Error("expected empty batch to be rejected")
	}
	if result.ErrorCode != "EMPTY_BATCH" {
		t.Errorf("expected EMPTY_BATCH, got %s", result.ErrorCode)
	}
}

func TestSimulatedGateway_FullFailureRate(t *testing.T) {
	gw := NewSimulatedGateway(100, time.Millisecond)

	result, err := gw.SubmitBatch(context.Background(), "BATCH_fail", testItems(3))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if !result.Accepted {
		t.Fatal("settlement failures still mean the batch itself was accepted")
	}

	report, err := gw.GetBatchStatus(context.Background(), "BATCH_fail")
	if err != nil {
		t.Fatalf("expected status report, got: %v", err)
	}
	for _, item := range report.Items {
		if item.State != ItemStateFailed {
			t.Errorf("expected item %s failed, got %s", item.RecordID, item.State)
		}
		if item.ErrorCode == "" {
			t.Error("failed item must carry an error code")
		}
	}
}

func TestRetryableCode(t *testing.T) {
	if !RetryableCode(CodeTransportError) {
		t.Error("transport errors must be retryable")
	}
	if !RetryableCode("GATEWAY_BUSY") {
		t.Error("GATEWAY_BUSY is on the retryable allow-list")
	}
	if RetryableCode("BENEFICIARY_ACCOUNT_INVALID") {
		t.Error("business rejections must not be retryable")
	}
	if RetryableCode("INSUFFICIENT_FUNDS") {
		t.Error("INSUFFICIENT_FUNDS requires operator intervention")
	}
}

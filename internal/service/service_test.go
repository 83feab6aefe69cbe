package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zammer/payout-engine/internal/gateway"
	"github.com/zammer/payout-engine/internal/metrics"
	"github.com/zammer/payout-engine/internal/model"
	"github.com/zammer/payout-engine/internal/repository"
)

// mockGateway is a scriptable gateway for service tests. It counts
// submissions per batch transfer id so tests can assert idempotency and
// claim exclusivity.
type mockGateway struct {
	mu          sync.Mutex
	submitErr   error
	result      *gateway.SubmitResult
	reports     map[string]*gateway.StatusReport
	submissions map[string]int
	delay       time.Duration
	seq         int
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		reports:     make(map[string]*gateway.StatusReport),
		submissions: make(map[string]int),
	}
}

func (m *mockGateway) Name() string { return "mock" }

func (m *mockGateway) SubmitBatch(ctx context.Context, batchTransferID string, items []gateway.Beneficiary) (*gateway.SubmitResult, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submissions[batchTransferID]++
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	if m.result != nil {
		return m.result, nil
	}
	m.seq++
	return &gateway.SubmitResult{
		Accepted:       true,
		GatewayBatchID: fmt.Sprintf("GW_%d", m.seq),
	}, nil
}

func (m *mockGateway) GetBatchStatus(ctx context.Context, batchTransferID string) (*gateway.StatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if report, ok := m.reports[batchTransferID]; ok {
		return report, nil
	}
	return &gateway.StatusReport{}, nil
}

func (m *mockGateway) submissionCount(batchTransferID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submissions[batchTransferID]
}

// reportAll scripts the gateway's settlement report for a batch: the
// first `failed` records fail, the rest complete.
func (m *mockGateway) reportAll(batchTransferID string, records []*model.PayoutRecord, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := &gateway.StatusReport{GatewayBatchID: "GW_1"}
	for i, record := range records {
		outcome := gateway.ItemOutcome{
			RecordID:   record.ID,
			State:      gateway.ItemStateCompleted,
			TransferID: fmt.Sprintf("GW_T%d", i+1),
		}
		if i < failed {
			outcome.State = gateway.ItemStateFailed
			outcome.TransferID = ""
			outcome.ErrorCode = "BENEFICIARY_ACCOUNT_INVALID"
			outcome.ErrorMessage = "account not found"
		}
		report.Items = append(report.Items, outcome)
	}
	m.reports[batchTransferID] = report
}

type testEnv struct {
	store      *repository.MemoryRepository
	gw         *mockGateway
	intake     *Intake
	builder    *BatchBuilder
	approval   *ApprovalService
	submitter  *Submitter
	reconciler *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	m := metrics.New(prometheus.NewRegistry(), "test")
	store := repository.NewMemoryRepository()
	gw := newMockGateway()

	return &testEnv{
		store:      store,
		gw:         gw,
		intake:     NewIntake(store, logger, m),
		builder:    NewBatchBuilder(store, store, logger, m, 100, decimal.Zero),
		approval:   NewApprovalService(store, store, logger),
		submitter:  NewSubmitter(store, store, gw, logger, m),
		reconciler: NewReconciler(store, store, gw, logger, m),
	}
}

// seedRecords creates n pending unbatched records, oldest first.
func (e *testEnv) seedRecords(t *testing.T, n int, amount int64) []*model.PayoutRecord {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	records := make([]*model.PayoutRecord, 0, n)
	for i := 0; i < n; i++ {
		record := model.NewPayoutRecord(
			fmt.Sprintf("agent_%d", i+1),
			model.BeneficiaryTypeDeliveryAgent,
			decimal.NewFromInt(amount),
			"INR",
		)
		record.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		record.UpdatedAt = record.CreatedAt
		if err := e.store.SaveRecord(context.Background(), record); err != nil {
			t.Fatalf("seed record: %v", err)
		}
		records = append(records, record)
	}
	return records
}

// buildOne builds a single batch from everything currently pending.
func (e *testEnv) buildOne(t *testing.T) *model.PayoutBatch {
	t.Helper()
	batches, err := e.builder.BuildBatches(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("build batches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	return batches[0]
}

// assertInvariant checks the count identity that must hold after every
// reconciliation pass.
func assertInvariant(t *testing.T, batch *model.PayoutBatch) {
	t.Helper()
	if batch.SuccessfulPayouts+batch.FailedPayouts+batch.PendingPayouts != batch.TotalPayouts {
		t.Errorf("count invariant violated: %d + %d + %d != %d",
			batch.SuccessfulPayouts, batch.FailedPayouts, batch.PendingPayouts, batch.TotalPayouts)
	}
}

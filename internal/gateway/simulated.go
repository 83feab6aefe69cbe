package gateway

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// SimulatedGateway simulates the payment gateway for development/testing.
// It keeps an idempotency ledger per batch transfer id: resubmitting a
// known id returns the original outcome instead of creating new transfers.
type SimulatedGateway struct {
	mu             sync.Mutex
	failureRate    int // percentage 0-100, applied per beneficiary at settlement
	processingTime time.Duration

	submissions map[string]int
	results     map[string]*SubmitResult
	reports     map[string]*StatusReport
	seq         int
}

// NewSimulatedGateway creates a new simulated gateway
func NewSimulatedGateway(failureRate int, processingTime time.Duration) *SimulatedGateway {
	return &SimulatedGateway{
		failureRate:    failureRate,
		processingTime: processingTime,
		submissions:    make(map[string]int),
		results:        make(map[string]*SubmitResult),
		reports:        make(map[string]*StatusReport),
	}
}

func (g *SimulatedGateway) Name() string {
	return "simulated"
}

func (g *SimulatedGateway) SubmitBatch(ctx context.Context, batchTransferID string, items []Beneficiary) (*SubmitResult, error) {
	select {
	case <-time.After(g.processingTime):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.submissions[batchTransferID]++
	if result, ok := g.results[batchTransferID]; ok {
		return result, nil
	}

	if len(items) == 0 {
		result := &SubmitResult{
			Accepted:     false,
			ErrorCode:    "EMPTY_BATCH",
			ErrorMessage: "batch contains no beneficiaries",
		}
		g.results[batchTransferID] = result
		return result, nil
	}

	g.seq++
	result := &SubmitResult{
		Accepted:       true,
		GatewayBatchID: fmt.Sprintf("GW_%d", g.seq),
	}
	g.results[batchTransferID] = result

	report := &StatusReport{GatewayBatchID: result.GatewayBatchID}
	for _, item := range items {
		outcome := ItemOutcome{
			RecordID:   item.RecordID,
			State:      ItemStateCompleted,
			TransferID: fmt.Sprintf("%s_T%d", result.GatewayBatchID, len(report.Items)+1),
		}
		if g.shouldFail() {
			outcome.State = ItemStateFailed
			outcome.TransferID = ""
			outcome.ErrorCode = "BENEFICIARY_ACCOUNT_INVALID"
			outcome.ErrorMessage = "simulated failure: beneficiary account not found"
		}
		report.Items = append(report.Items, outcome)
	}
	g.reports[batchTransferID] = report

	return result, nil
}

func (g *SimulatedGateway) GetBatchStatus(ctx context.Context, batchTransferID string) (*StatusReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	report, ok := g.reports[batchTransferID]
	if !ok {
		return nil, fmt.Errorf("unknown batch transfer id %s", batchTransferID)
	}
	return report, nil
}

// SubmissionCount reports how many times a batch transfer id was submitted.
func (g *SimulatedGateway) SubmissionCount(batchTransferID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submissions[batchTransferID]
}

func (g *SimulatedGateway) shouldFail() bool {
	if g.failureRate <= 0 {
		return false
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(100))
	return int(n.Int64()) < g.failureRate
}

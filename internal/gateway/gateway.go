package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// Beneficiary is one transfer inside a batch submission.
type Beneficiary struct {
	RecordID      string          `json:"recordId"`
	BeneficiaryID string          `json:"beneficiaryId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// SubmitResult is the gateway's answer to a batch submission. A business
// rejection is reported here via Accepted=false plus an error code;
// transport failures are returned as ordinary errors instead.
type SubmitResult struct {
	Accepted       bool   `json:"accepted"`
	GatewayBatchID string `json:"gatewayBatchId,omitempty"`
	ErrorCode      string `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	Raw            string `json:"-"`
}

// ItemState is the per-beneficiary settlement state reported by the gateway
type ItemState string

const (
	ItemStatePending   ItemState = "PENDING"
	ItemStateCompleted ItemState = "COMPLETED"
	ItemStateFailed    ItemState = "FAILED"
)

// ItemOutcome reports the settlement outcome of a single beneficiary
type ItemOutcome struct {
	RecordID     string    `json:"recordId"`
	State        ItemState `json:"state"`
	TransferID   string    `json:"transferId,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// StatusReport is the gateway's view of a previously submitted batch
type StatusReport struct {
	GatewayBatchID string        `json:"gatewayBatchId"`
	Items          []ItemOutcome `json:"items"`
	Raw            string        `json:"-"`
}

// Client is the payment gateway boundary. SubmitBatch must be idempotent
// on batchTransferID: resubmitting the same id never duplicates transfers
// at the gateway. Callers must hold the exclusive submission claim on the
// batch before calling SubmitBatch.
type Client interface {
	// SubmitBatch sends a batch transfer request to the gateway
	SubmitBatch(ctx context.Context, batchTransferID string, items []Beneficiary) (*SubmitResult, error)

	// GetBatchStatus reports per-beneficiary outcomes for reconciliation
	GetBatchStatus(ctx context.Context, batchTransferID string) (*StatusReport, error)

	// Name returns the gateway name
	Name() string
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPGateway talks JSON over HTTP to a real payment gateway. Non-2xx
// responses with a parseable body are business rejections; anything the
// transport layer drops surfaces as an error for the submitter to
// classify as retryable.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPGateway creates a gateway client for the given base URL.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Name() string {
	return "http"
}

type submitRequest struct {
	BatchTransferID string        `json:"batchTransferId"`
	Beneficiaries   []Beneficiary `json:"beneficiaries"`
}

func (g *HTTPGateway) SubmitBatch(ctx context.Context, batchTransferID string, items []Beneficiary) (*SubmitResult, error) {
	body, err := json.Marshal(submitRequest{BatchTransferID: batchTransferID, Beneficiaries: items})
	if err != nil {
		return nil, fmt.Errorf("marshal submit request: %w", err)
	}

	raw, status, err := g.do(ctx, http.MethodPost, "/transfers/batch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result SubmitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode submit response (HTTP %d): %w", status, err)
	}
	result.Raw = string(raw)
	return &result, nil
}

func (g *HTTPGateway) GetBatchStatus(ctx context.Context, batchTransferID string) (*StatusReport, error) {
	raw, status, err := g.do(ctx, http.MethodGet, "/transfers/batch/"+batchTransferID, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("gateway status query returned HTTP %d: %s", status, raw)
	}

	var report StatusReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	report.Raw = string(raw)
	return &report, nil
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read gateway response: %w", err)
	}
	return raw, resp.StatusCode, nil
}

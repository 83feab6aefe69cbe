package gateway

// CodeTransportError is recorded on a batch when the gateway could not be
// reached at all (timeout, connection refused). Always retryable up to the
// attempt cap.
const CodeTransportError = "TRANSPORT_ERROR"

// retryableCodes is the allow-list of gateway rejection codes that are
// safe to resubmit under the same batch transfer id. Everything else is a
// business rejection (invalid beneficiary, compliance block, insufficient
// funds) and requires operator intervention with a fresh batch.
var retryableCodes = map[string]bool{
	CodeTransportError:    true,
	"GATEWAY_TIMEOUT":     true,
	"GATEWAY_BUSY":        true,
	"SERVICE_UNAVAILABLE": true,
	"RATE_LIMITED":        true,
}

// RetryableCode reports whether a gateway error code is eligible for
// automatic resubmission.
func RetryableCode(code string) bool {
	return retryableCodes[code]
}

package model

import "errors"

// ErrInvalidTransition is returned when a caller attempts a status change
// that is not present in the transition tables below.
var ErrInvalidTransition = errors.New("invalid status transition")

// batchTransitions is the single place the legal batch status edges are
// encoded. Every batch status write goes through TransitionTo, so an
// illegal edge (e.g. COMPLETED -> PROCESSING) can never be persisted.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchStatusPending:    {BatchStatusInitiated, BatchStatusCancelled},
	BatchStatusInitiated:  {BatchStatusProcessing, BatchStatusFailed},
	BatchStatusProcessing: {BatchStatusCompleted, BatchStatusFailed, BatchStatusPartiallyCompleted},
	// FAILED -> PROCESSING is the retry edge; FAILED -> CANCELLED is the
	// operator force-cancel of an exhausted batch.
	BatchStatusFailed:             {BatchStatusProcessing, BatchStatusCancelled},
	BatchStatusCompleted:          {},
	BatchStatusCancelled:          {},
	BatchStatusPartiallyCompleted: {},
}

// recordTransitions encodes the legal payout record edges. Records move
// forward only, except FAILED -> PENDING when a failed record is detached
// from its batch to be rebuilt into a fresh one.
var recordTransitions = map[RecordStatus][]RecordStatus{
	RecordStatusPending:    {RecordStatusInitiated, RecordStatusProcessing},
	RecordStatusInitiated:  {RecordStatusProcessing, RecordStatusFailed},
	RecordStatusProcessing: {RecordStatusCompleted, RecordStatusFailed},
	RecordStatusFailed:     {RecordStatusPending},
	RecordStatusCompleted:  {},
}

func batchTransitionAllowed(from, to BatchStatus) bool {
	for _, s := range batchTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func recordTransitionAllowed(from, to RecordStatus) bool {
	for _, s := range recordTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

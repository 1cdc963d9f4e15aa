package chain

import "errors"

var (
	// ErrNotFound is returned when an account, resource, module or transaction does not exist. Callers that can
	// treat absence as a default (a never-used account has nonce 0) check for it with errors.Is.
	ErrNotFound = errors.New("not found")

	// ErrSimulationFailed means the chain predicted the transaction would fail. Nothing was submitted.
	ErrSimulationFailed = errors.New("simulation failed")

	// ErrSubmissionRejected means the admission layer refused the transaction (stale sequence number, bad
	// signature, insufficient balance). Retrying requires a rebuilt transaction with a freshly resolved nonce.
	ErrSubmissionRejected = errors.New("submission rejected")

	// ErrTimedOut means finality was not observed before the deadline. The transaction may still land.
	ErrTimedOut = errors.New("timed out waiting for finality")

	// ErrReverted means the transaction was included but its execution failed.
	ErrReverted = errors.New("transaction reverted")
)

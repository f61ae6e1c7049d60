package core

import (
	"errors"
)

// Sentinel errors for the transfer engine. Callers classify wrapped errors
// with errors.Is.
var (
	// ErrConnection indicates session establishment or authentication failed
	ErrConnection = errors.New("connection failed")

	// ErrPoolExhausted indicates no session became available within the wait budget
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrTransferAborted indicates a cooperative cancellation was observed.
	// Not a true failure when the abort was caused by a pause.
	ErrTransferAborted = errors.New("transfer aborted")

	// ErrIntegrity indicates a post-transfer checksum mismatch
	ErrIntegrity = errors.New("integrity check failed")

	// ErrRetryExhausted indicates a task failed with no retries remaining
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrTaskNotFound indicates the queue has no live task with the given id
	ErrTaskNotFound = errors.New("task not found")

	// ErrHostNotFound indicates the registry has no host with the given id
	ErrHostNotFound = errors.New("host not found")
)

// Retryable reports whether an error should be retried at the task level.
// Deliberate aborts and exhausted retries are never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransferAborted) || errors.Is(err, ErrRetryExhausted) {
		return false
	}
	return true
}

package core

import (
	"errors"
)

// Exit codes for semantic error handling in the CLI
const (
	// ExitSuccess indicates successful completion
	ExitSuccess = 0

	// ExitGeneralError indicates a general error
	ExitGeneralError = 1

	// ExitConfigError indicates configuration error (invalid config, missing fields)
	ExitConfigError = 10

	// ExitAuthError indicates authentication or connection failure
	ExitAuthError = 11

	// ExitPoolExhausted indicates no session was available within the wait budget
	ExitPoolExhausted = 12

	// ExitTransferFailed indicates a transfer failed permanently
	ExitTransferFailed = 30

	// ExitChecksumMismatch indicates the post-transfer integrity check failed
	ExitChecksumMismatch = 31

	// ExitUserCanceled indicates the user canceled the operation
	ExitUserCanceled = 50
)

// ExitCodeForError maps an engine error to a CLI exit code
func ExitCodeForError(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case errors.Is(err, ErrConnection):
		return ExitAuthError
	case errors.Is(err, ErrPoolExhausted):
		return ExitPoolExhausted
	case errors.Is(err, ErrIntegrity):
		return ExitChecksumMismatch
	case errors.Is(err, ErrTransferAborted):
		return ExitUserCanceled
	case errors.Is(err, ErrRetryExhausted):
		return ExitTransferFailed
	default:
		return ExitGeneralError
	}
}

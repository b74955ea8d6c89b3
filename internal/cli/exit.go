package cli

import (
	"errors"
	"fmt"
)

// Exit codes. These are a stable external contract: deployment tooling keys
// restart policy off them.
const (
	ExitSuccess        = 0 // successful execution
	ExitFailure        = 1 // unclassified failure
	ExitConfigError    = 2 // missing or invalid configuration; never retried
	ExitStoreError     = 3 // journal or aggregate store unreachable
	ExitInvariantError = 4 // data invariant violation; job halted
)

// ExitError carries a specific process exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError, 0 for nil.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

package errors

import "fmt"

// ExitCodeError carries the process exit code a binary should terminate with.
type ExitCodeError struct {
	code ExitCode
	error
}

func NewError(err error, exitCode ExitCode) *ExitCodeError {
	if err == nil {
		return nil
	}
	return &ExitCodeError{exitCode, err}
}

func (e *ExitCodeError) GetExitCode() ExitCode {
	if e == nil {
		return 0
	}
	return e.code
}

func (e *ExitCodeError) String() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("exit %d: %v", e.code, e.error)
}

// ExitCodeOf returns the exit code carried by err, GenericFailureExitCode for
// any other non-nil error and 0 for nil.
func ExitCodeOf(err error) ExitCode {
	if err == nil {
		return 0
	}
	if e, ok := err.(*ExitCodeError); ok {
		return e.GetExitCode()
	}
	return GenericFailureExitCode
}

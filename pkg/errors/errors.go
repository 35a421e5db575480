package errors

import (
	stderrors "errors"
	"fmt"
)

// ContractError reports a programmer error in the caller of the code
// generator: operand type mismatches, duplicate labels, reading a storage
// binding of the wrong kind and similar misuse. Generated code is never
// emitted past one of these.
type ContractError struct {
	Message string
	Cause   error
}

func (e *ContractError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("contract violation: %s: %v", e.Message, e.Cause)
	}
	return "contract violation: " + e.Message
}

func (e *ContractError) Unwrap() error {
	return e.Cause
}

// IsContractError checks if an error is, or wraps, a contract error
func IsContractError(err error) bool {
	var ce *ContractError
	return stderrors.As(err, &ce)
}

// WrapContractError wraps an existing error as a contract error
func WrapContractError(err error, message string) *ContractError {
	return &ContractError{
		Message: message,
		Cause:   err,
	}
}

// ContractErrorf creates a new contract error with formatted message
func ContractErrorf(format string, args ...interface{}) *ContractError {
	return &ContractError{
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

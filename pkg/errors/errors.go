// Package errors defines the stable, wire-exposed error taxonomy shared
// by every component: a coded error with optional structured details,
// matching the {success:false, error:{code, message, details?}}
// envelope the gateway renders over HTTP.
package errors

import "fmt"

// Code is a stable, documented error code. Never renamed once shipped;
// client SDKs key retry/backoff behavior off these values.
type Code string

const (
	// Input errors
	CodeInvalidQuery     Code = "INVALID_QUERY"
	CodeSQLSyntaxError   Code = "SQL_SYNTAX_ERROR"
	CodeInvalidPolicy    Code = "INVALID_POLICY"
	CodeInvalidPhase     Code = "INVALID_PHASE"

	// Auth errors
	CodeAuthInvalidToken Code = "AUTH_INVALID_TOKEN"
	CodeAuthTokenExpired Code = "AUTH_TOKEN_EXPIRED"
	CodeTenantAccessDenied Code = "TENANT_ACCESS_DENIED"

	// Capacity/limit
	CodeShardCapacity Code = "SHARD_CAPACITY"
	CodeRateLimited   Code = "RATE_LIMITED"

	// Transient
	CodeRetryable   Code = "RETRYABLE"
	CodeTimeout     Code = "TIMEOUT"
	CodeCircuitOpen Code = "CIRCUIT_OPEN"

	// Conflict
	CodeConflictUnique      Code = "CONFLICT_UNIQUE"
	CodeTransactionNotFound Code = "TRANSACTION_NOT_FOUND"
	CodeIncompatiblePolicy  Code = "INCOMPATIBLE_POLICY"
	CodeSplitNotFound       Code = "SPLIT_NOT_FOUND"

	// Fatal
	CodeInternalError Code = "INTERNAL_ERROR"

	// SQL runtime classification (not all reach the gateway directly)
	CodeSQLError Code = "SQL_ERROR"
)

// CodedError is the error type every component boundary returns.
type CodedError struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *CodedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *CodedError) Unwrap() error {
	return e.cause
}

// WithDetails returns a copy of the error with details attached.
func (e *CodedError) WithDetails(details map[string]any) *CodedError {
	cp := *e
	cp.Details = details
	return &cp
}

// New constructs a CodedError without a wrapped cause.
func New(code Code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// Wrap constructs a CodedError wrapping an underlying cause.
func Wrap(code Code, message string, cause error) *CodedError {
	return &CodedError{Code: code, Message: message, cause: cause}
}

// IsRetryable reports whether the caller should retry with backoff.
func IsRetryable(err error) bool {
	ce, ok := err.(*CodedError)
	if !ok {
		return false
	}
	switch ce.Code {
	case CodeRetryable, CodeTimeout, CodeCircuitOpen:
		return true
	default:
		return false
	}
}

// CodeOf extracts the Code from an error, defaulting to INTERNAL_ERROR
// for errors that never went through this package.
func CodeOf(err error) Code {
	if ce, ok := err.(*CodedError); ok {
		return ce.Code
	}
	return CodeInternalError
}

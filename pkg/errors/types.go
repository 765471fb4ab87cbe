package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Transport errors
	ErrCodeTransportLost    ErrorCode = "TRANSPORT_LOST"
	ErrCodeTransportRefused ErrorCode = "TRANSPORT_REFUSED"

	// Protocol errors
	ErrCodeProtocolMalformed     ErrorCode = "PROTOCOL_MALFORMED"
	ErrCodeProtocolOversized     ErrorCode = "PROTOCOL_OVERSIZED"
	ErrCodeProtocolUnknownAction ErrorCode = "PROTOCOL_UNKNOWN_ACTION"

	// Correlation errors
	ErrCodeCorrelationTimeout ErrorCode = "CORRELATION_TIMEOUT"
	ErrCodeCorrelationStale   ErrorCode = "CORRELATION_STALE"
	ErrCodeProcessStopped     ErrorCode = "PROCESS_STOPPED"
	ErrCodeProcessNotRunning  ErrorCode = "PROCESS_NOT_RUNNING"

	// Strategy errors
	ErrCodeStrategyExtraction ErrorCode = "STRATEGY_EXTRACTION"

	// Storage errors
	ErrCodeStorageCapacity ErrorCode = "STORAGE_CAPACITY"

	// Configuration errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigParse   ErrorCode = "CONFIG_PARSE"
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Generic errors
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// Error represents a structured Vigil error
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Retryable  bool
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Context:   make(map[string]any),
		Retryable: false,
	}
}

// Wrap wraps an existing error with Vigil error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
		Retryable:  false,
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsRetryable returns whether this error is retryable
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	vigilErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return vigilErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	vigilErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}

	return vigilErr.Code
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	vigilErr, ok := err.(*Error)
	if !ok {
		return false
	}

	return vigilErr.Retryable
}

// IsProtocol reports whether the error is one of the protocol-violation
// codes a channel must survive without disconnecting.
func IsProtocol(err error) bool {
	code := GetCode(err)
	return code == ErrCodeProtocolMalformed ||
		code == ErrCodeProtocolOversized ||
		code == ErrCodeProtocolUnknownAction
}

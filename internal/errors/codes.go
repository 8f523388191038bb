package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for routing and coordination
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller-visible call outcomes
	ErrCodeNoOwnerAvailable     ErrorCode = 1000
	ErrCodeDispatchFailed       ErrorCode = 1001
	ErrCodeRequestTimedOut      ErrorCode = 1002
	ErrCodeRemoteExecutionError ErrorCode = 1003
	ErrCodeCancelled            ErrorCode = 1004
	ErrCodeUnknownMethod        ErrorCode = 1005

	// Coordination failures
	ErrCodeHandoffTimeout ErrorCode = 2000
	ErrCodeStaleLeader    ErrorCode = 2001
	ErrCodeInternal       ErrorCode = 2002
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                   "ok",
	ErrCodeNoOwnerAvailable:     "no_owner_available",
	ErrCodeDispatchFailed:       "dispatch_failed",
	ErrCodeRequestTimedOut:      "request_timed_out",
	ErrCodeRemoteExecutionError: "remote_execution_error",
	ErrCodeCancelled:            "cancelled",
	ErrCodeUnknownMethod:        "unknown_method",
	ErrCodeHandoffTimeout:       "handoff_timeout",
	ErrCodeStaleLeader:          "stale_leader",
	ErrCodeInternal:             "internal",
}

// String returns the snake_case name used in logs and metric labels
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Sentinels for errors.Is matching. Any RoutingError matches the sentinel
// with the same code.
var (
	ErrNoOwnerAvailable     = &RoutingError{Code: ErrCodeNoOwnerAvailable, Message: "no owner available"}
	ErrDispatchFailed       = &RoutingError{Code: ErrCodeDispatchFailed, Message: "dispatch failed"}
	ErrRequestTimedOut      = &RoutingError{Code: ErrCodeRequestTimedOut, Message: "request timed out"}
	ErrRemoteExecutionError = &RoutingError{Code: ErrCodeRemoteExecutionError, Message: "remote execution error"}
	ErrCancelled            = &RoutingError{Code: ErrCodeCancelled, Message: "cancelled"}
	ErrUnknownMethod        = &RoutingError{Code: ErrCodeUnknownMethod, Message: "unknown method"}
	ErrHandoffTimeout       = &RoutingError{Code: ErrCodeHandoffTimeout, Message: "handoff timeout"}
	ErrStaleLeader          = &RoutingError{Code: ErrCodeStaleLeader, Message: "stale leader"}
)

// RoutingError represents a structured error with code and context
type RoutingError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// Is matches any RoutingError carrying the same code
func (e *RoutingError) Is(target error) bool {
	t, ok := target.(*RoutingError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// ToGRPCStatus converts RoutingError to gRPC status
func (e *RoutingError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *RoutingError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeNoOwnerAvailable, ErrCodeDispatchFailed:
		return codes.Unavailable
	case ErrCodeRequestTimedOut, ErrCodeHandoffTimeout:
		return codes.DeadlineExceeded
	case ErrCodeCancelled:
		return codes.Canceled
	case ErrCodeUnknownMethod:
		return codes.Unimplemented
	case ErrCodeStaleLeader:
		return codes.FailedPrecondition
	case ErrCodeRemoteExecutionError:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// NewRoutingError creates a new RoutingError
func NewRoutingError(code ErrorCode, message string, cause error) *RoutingError {
	return &RoutingError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *RoutingError) WithDetail(key string, value interface{}) *RoutingError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func NoOwnerAvailable(shardKey string) *RoutingError {
	return NewRoutingError(ErrCodeNoOwnerAvailable, fmt.Sprintf("no live owner for shard key %q", shardKey), nil).
		WithDetail("shard_key", shardKey)
}

func DispatchFailed(target string, cause error) *RoutingError {
	return NewRoutingError(ErrCodeDispatchFailed, fmt.Sprintf("dispatch to %s failed", target), cause).
		WithDetail("target", target)
}

func RequestTimedOut(correlationID uint64, reason string) *RoutingError {
	return NewRoutingError(ErrCodeRequestTimedOut, fmt.Sprintf("request %d timed out: %s", correlationID, reason), nil).
		WithDetail("correlation_id", correlationID).
		WithDetail("reason", reason)
}

func RemoteExecution(message string) *RoutingError {
	return NewRoutingError(ErrCodeRemoteExecutionError, message, nil)
}

func Cancelled(cause error) *RoutingError {
	return NewRoutingError(ErrCodeCancelled, "call cancelled", cause)
}

func UnknownMethod(module, method string) *RoutingError {
	return NewRoutingError(ErrCodeUnknownMethod, fmt.Sprintf("unknown method %s.%s", module, method), nil).
		WithDetail("module", module).
		WithDetail("method", method)
}

func HandoffTimeout(vnode int, attempts int, elapsed time.Duration) *RoutingError {
	return NewRoutingError(ErrCodeHandoffTimeout, fmt.Sprintf("handoff of vnode %d not acknowledged after %d attempts (%v)", vnode, attempts, elapsed), nil).
		WithDetail("vnode", vnode).
		WithDetail("attempts", attempts)
}

func StaleLeader(term, observed uint64) *RoutingError {
	return NewRoutingError(ErrCodeStaleLeader, fmt.Sprintf("term %d is older than observed term %d", term, observed), nil).
		WithDetail("term", term).
		WithDetail("observed_term", observed)
}

func InternalError(message string, cause error) *RoutingError {
	return NewRoutingError(ErrCodeInternal, message, cause)
}

// IsRoutingError checks if an error is a RoutingError
func IsRoutingError(err error) bool {
	var re *RoutingError
	return stderrors.As(err, &re)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var re *RoutingError
	if stderrors.As(err, &re) {
		return re.Code
	}
	return ErrCodeInternal
}

// IsRoutingFault reports whether err came from routing or transport rather
// than from the remote method body. Remote execution errors are data.
func IsRoutingFault(err error) bool {
	if err == nil {
		return false
	}
	return GetCode(err) != ErrCodeRemoteExecutionError
}

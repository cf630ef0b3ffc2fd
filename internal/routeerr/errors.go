// Package routeerr defines the stable error taxonomy shared by the pipeline,
// the OAuth lifecycle and the compatibility layer. Every error surfaced to a
// caller carries a stable code so HTTP handlers and the error sink can map it
// without string matching.
package routeerr

import (
	"errors"
	"fmt"
)

// Code identifies an error class with a stable string value.
type Code string

const (
	// Config errors.
	CodeInvalidConfig            Code = "invalid_config"
	CodeMissingClientCredentials Code = "missing_client_credentials"
	CodeUnsupportedAuthType      Code = "unsupported_auth_type"
	CodeMissingModuleType        Code = "missing_module_type"
	CodeToolsEntranceViolation   Code = "tools_entrance_violation"

	// Auth errors.
	CodeAuthMissing       Code = "auth_missing"
	CodeAuthInvalid       Code = "auth_invalid"
	CodeAuthFlowRejected  Code = "auth_flow_rejected"
	CodeAuthFlowTimedOut  Code = "auth_flow_timed_out"
	CodeAuthRefreshFailed Code = "refresh_failed"

	// Transport errors.
	CodeNetworkError Code = "network_error"
	CodeTimeout      Code = "timeout"
	CodeHTTPError    Code = "http_error"
	CodeRateLimited  Code = "rate_limited"
	CodeServerError  Code = "server_error"

	// Compatibility errors.
	CodeCompatToolTextEmpty       Code = "compat_tool_text_empty"
	CodeCompatToolCallArgsInvalid Code = "compat_tool_call_args_invalid"
	CodeCompatResponseInvalid     Code = "compat_response_invalid"

	// Pipeline errors.
	CodeRouteNotFound   Code = "route_not_found"
	CodeInstanceMissing Code = "instance_missing"
	CodePreRunFailed    Code = "pre_run_failed"

	CodeInternal Code = "internal_error"
)

// Error is the concrete error type used across the gateway. Details never
// contain secrets or token values.
type Error struct {
	Code       Code
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target carries the same code, enabling errors.Is checks
// against sentinel instances.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// New constructs an error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an error with the given code wrapping a cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithStatus sets the HTTP status associated with the error.
func (e *Error) WithStatus(status int) *Error {
	e.StatusCode = status
	return e
}

// WithRetryable marks whether the operation may be retried.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// CodeOf extracts the stable code from err, or CodeInternal when err is not a
// routeerr.Error.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeInternal
}

// StatusOf extracts the HTTP status carried by err, or 0 when absent.
func StatusOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

// IsRetryable reports whether err is eligible for one automatic retry.
func IsRetryable(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Retryable
	}
	return false
}

// IsAuthError reports whether err belongs to the auth class that should
// trigger an OAuth repair attempt.
func IsAuthError(err error) bool {
	switch CodeOf(err) {
	case CodeAuthInvalid, CodeAuthMissing:
		return true
	}
	status := StatusOf(err)
	return status == 401 || status == 403
}

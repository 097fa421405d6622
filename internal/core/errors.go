package core

import (
	"errors"
	"fmt"
)

// Code is one of the closed set of error codes a Run or API response
// can surface.
type Code string

const (
	CodeLimitExceeded          Code = "LIMIT_EXCEEDED"
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeInvalidModelPackage    Code = "INVALID_MODEL_PACKAGE"
	CodeDependencyNotPublished Code = "DEPENDENCY_NOT_PUBLISHED"
	CodeNoIntegration          Code = "NO_INTEGRATION"
	CodeTokenInvalid           Code = "TOKEN_INVALID"
	CodeSubmitFailed           Code = "SUBMIT_FAILED"
	CodeBackendJobFailed       Code = "BACKEND_JOB_FAILED"
	CodeTimeout                Code = "TIMEOUT"
	CodeCancelled              Code = "CANCELLED"
	CodeMissingRequiredMetric  Code = "MISSING_REQUIRED_METRIC"
	CodeFlakyMetric            Code = "FLAKY_METRIC"
	CodeBundleFailed           Code = "BUNDLE_FAILED"
	CodeStaleTimestamp         Code = "STALE_TIMESTAMP"
	CodeReplay                 Code = "REPLAY"
	CodeInvalidSignature       Code = "INVALID_SIGNATURE"
	CodeUnknownWorkspace       Code = "UNKNOWN_WORKSPACE"
	CodeForbidden              Code = "FORBIDDEN"
	CodeNotFound               Code = "NOT_FOUND"
	CodeIntegrityError         Code = "INTEGRITY_ERROR"
	CodeKeyUnavailable         Code = "KEY_UNAVAILABLE"
	CodeDecryptFailed          Code = "DECRYPT_FAILED"
	CodeConflict               Code = "CONFLICT"
	CodeInternal               Code = "INTERNAL"
)

// Error carries a code plus human detail. Components wrap causes with
// %w so callers can inspect both the code and the underlying error.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs an Error with formatted detail.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

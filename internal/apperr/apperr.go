// Package apperr defines the gateway's typed error taxonomy.
//
// Every error that crosses a handler boundary carries a stable machine
// code and an HTTP status. Handlers translate *Error values into the
// wire shape {"detail": "...", "error_code": "..."}.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes surfaced to callers or telemetry.
const (
	CodeValidation             = "VALIDATION_ERROR"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodePIIDetectorUnavailable = "PII_DETECTOR_UNAVAILABLE"
	CodeRagSearchUnavailable   = "RAG_SEARCH_UNAVAILABLE"
	CodeLLMError               = "LLM_ERROR"
	CodeLLMTimeout             = "LLM_TIMEOUT"
	CodeDuplicateInflight      = "DUPLICATE_INFLIGHT"
	CodeClientDisconnected     = "CLIENT_DISCONNECTED"
	CodeLanguageError          = "LANGUAGE_ERROR"
	CodeScriptNotApproved      = "SCRIPT_NOT_APPROVED"
	CodeJobNotFound            = "JOB_NOT_FOUND"
	CodeNoRenderSpecForRetry   = "NO_RENDER_SPEC_FOR_RETRY"
	CodeEmptyRenderSpec        = "EMPTY_RENDER_SPEC"
	CodeRenderError            = "RENDER_ERROR"
	CodeEndpointRemoved        = "ENDPOINT_REMOVED"
	CodeInvalidTransition      = "INVALID_TRANSITION"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeInternal               = "INTERNAL_ERROR"
)

// Error is a typed gateway error with a stable code and HTTP status.
type Error struct {
	Code   string
	Status int
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given code, HTTP status and detail.
func New(code string, status int, detail string) *Error {
	return &Error{Code: code, Status: status, Detail: detail}
}

// Wrap creates an Error that preserves the underlying cause for errors.Is/As.
func Wrap(code string, status int, detail string, cause error) *Error {
	return &Error{Code: code, Status: status, Detail: detail, cause: cause}
}

// Validation returns a 422 validation error.
func Validation(detail string) *Error {
	return New(CodeValidation, http.StatusUnprocessableEntity, detail)
}

// NotFound returns a 404 error with the given code.
func NotFound(code, detail string) *Error {
	return New(code, http.StatusNotFound, detail)
}

// Conflict returns a 409 error with the given code.
func Conflict(code, detail string) *Error {
	return New(code, http.StatusConflict, detail)
}

// CodeOf extracts the machine code from err, or CodeInternal when err is
// not an *Error.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// StatusOf extracts the HTTP status from err, defaulting to 500.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return http.StatusInternalServerError
}

// PIIUnavailable marks a fail-closed PII detector failure at the given stage.
func PIIUnavailable(stage string, cause error) *Error {
	return Wrap(CodePIIDetectorUnavailable, http.StatusOK,
		fmt.Sprintf("pii detector unavailable at %s stage", stage), cause)
}

// RagUnavailable marks exhaustion of both retrieval backends.
func RagUnavailable(cause error) *Error {
	return Wrap(CodeRagSearchUnavailable, http.StatusServiceUnavailable,
		"document search is temporarily unavailable", cause)
}

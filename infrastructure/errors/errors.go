// Package errors provides the Data Plane's structured error taxonomy, per
// spec.md §7: every error the Evaluation Engine, Lifecycle Manager,
// Deployment Manager, and RPC layer produce is one of nine kinds
// (Validation, Conflict, NotFound, StateTransition, ConstraintViolation,
// HookFailure, Signature, Backpressure, Internal), each carrying a stable
// code and HTTP status so a caller can distinguish them programmatically
// instead of string-matching a message.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a taxonomy kind plus a specific reason within it.
// The family prefix (before the underscore) maps 1:1 to spec.md §7's
// Taxonomy kinds.
type ErrorCode string

const (
	// Validation (VAL_*): authored rule/bundle invalid.
	CodeValidationBundle ErrorCode = "VAL_BUNDLE"
	CodeValidationRule   ErrorCode = "VAL_RULE"
	CodeValidationScope  ErrorCode = "VAL_SCOPE"
	CodeValidationBudget ErrorCode = "VAL_BUDGET"

	// Conflict (CONF_*): duplicate id, priority+scope overlap.
	CodeConflictRule   ErrorCode = "CONF_RULE"
	CodeConflictBundle ErrorCode = "CONF_BUNDLE"

	// NotFound (NF_*): unknown rule/bundle/session.
	CodeNotFoundRule    ErrorCode = "NF_RULE"
	CodeNotFoundBundle  ErrorCode = "NF_BUNDLE"
	CodeNotFoundSession ErrorCode = "NF_SESSION"
	CodeNotFoundVersion ErrorCode = "NF_VERSION"

	// StateTransition (ST_*): illegal lifecycle move, e.g. revoked -> anything.
	CodeStateTransition ErrorCode = "ST_ILLEGAL"

	// ConstraintViolation (CV_*): runtime budget breach.
	CodeConstraintTimeout  ErrorCode = "CV_TIMEOUT"
	CodeConstraintMemory   ErrorCode = "CV_MEMORY"
	CodeConstraintCPU      ErrorCode = "CV_CPU"
	CodeConstraintSampling ErrorCode = "CV_SAMPLING"

	// HookFailure (HOOK_*): semantic hook execution failure.
	CodeHookTimeout   ErrorCode = "HOOK_TIMEOUT"
	CodeHookOOM       ErrorCode = "HOOK_OOM"
	CodeHookException ErrorCode = "HOOK_EXCEPTION"
	CodeHookBadDigest ErrorCode = "HOOK_BAD_DIGEST"

	// Signature (SIG_*): bundle signature invalid.
	CodeSignatureInvalid ErrorCode = "SIG_INVALID"
	CodeSignatureMissing ErrorCode = "SIG_MISSING"

	// Backpressure (BP_*): audit queue overflow.
	CodeBackpressureAudit ErrorCode = "BP_AUDIT_QUEUE"

	// Internal (INT_*): invariant broken.
	CodeInternal ErrorCode = "INT_INVARIANT"
)

// EngineError is the structured error every CRUD, deployment, and RPC
// boundary returns, carrying enough to both render a stable
// `{reason, code, http_status?}` to a caller (spec.md §7's "User-visible
// behavior") and to let another layer of Go code classify it precisely.
type EngineError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair to Details, creating the map on
// first use, and returns e for chaining.
func (e *EngineError) WithDetails(key string, value any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an EngineError with no wrapped cause.
func New(code ErrorCode, httpStatus int, message string) *EngineError {
	return &EngineError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap builds an EngineError around an existing error.
func Wrap(code ErrorCode, httpStatus int, message string, err error) *EngineError {
	return &EngineError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation constructs a VAL_* error for an authored rule or bundle that
// failed the validation pipeline (spec.md §4.6).
func Validation(code ErrorCode, format string, args ...any) *EngineError {
	return New(code, http.StatusUnprocessableEntity, fmt.Sprintf(format, args...))
}

// Conflict constructs a CONF_* error for a duplicate id or a
// priority+scope overlap within a family.
func Conflict(code ErrorCode, format string, args ...any) *EngineError {
	return New(code, http.StatusConflict, fmt.Sprintf(format, args...))
}

// NotFound constructs an NF_* error for an unknown rule, bundle, version,
// or session id.
func NotFound(code ErrorCode, resource, id string) *EngineError {
	return New(code, http.StatusNotFound, fmt.Sprintf("%s %q not found", resource, id)).
		WithDetails("resource", resource).WithDetails("id", id)
}

// StateTransition constructs an ST_* error for an illegal lifecycle move.
func StateTransition(from, to string) *EngineError {
	return New(CodeStateTransition, http.StatusConflict, fmt.Sprintf("illegal state transition %s -> %s", from, to)).
		WithDetails("from", from).WithDetails("to", to)
}

// ConstraintViolation constructs a CV_* error for a runtime budget
// breach (Timeout/Memory/CPU/Sampling).
func ConstraintViolation(code ErrorCode, message string) *EngineError {
	return New(code, http.StatusOK, message) // evaluated inline, never an HTTP response on its own
}

// HookFailure constructs a HOOK_* error for a semantic hook execution
// failure (Timeout/OOM/Exception/BadDigest).
func HookFailure(code ErrorCode, message string, err error) *EngineError {
	return Wrap(code, http.StatusOK, message, err)
}

// Signature constructs a SIG_* error for a missing or invalid bundle
// signature.
func Signature(code ErrorCode, format string, args ...any) *EngineError {
	return New(code, http.StatusUnprocessableEntity, fmt.Sprintf(format, args...))
}

// Backpressure constructs a BP_* error for an overloaded sink, e.g. the
// audit queue dropping under backpressure.
func Backpressure(message string) *EngineError {
	return New(CodeBackpressureAudit, http.StatusServiceUnavailable, message)
}

// Internal constructs an INT_* error for a broken invariant.
func Internal(message string, err error) *EngineError {
	return Wrap(CodeInternal, http.StatusInternalServerError, message, err)
}

// coded is satisfied by domain error types (e.g. lifecycle.ConflictError)
// that want to participate in the taxonomy without embedding an
// EngineError directly.
type coded interface {
	error
	Code() ErrorCode
	HTTPStatus() int
}

// As extracts an EngineError from err's chain.
func As(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	var c coded
	if errors.As(err, &c) {
		return &EngineError{Code: c.Code(), Message: c.Error(), HTTPStatus: c.HTTPStatus(), Err: c}, true
	}
	return nil, false
}

// Classify extracts the code and HTTP status from err, falling back to
// CodeInternal / 500 for an error with no taxonomy membership.
func Classify(err error) (ErrorCode, int) {
	if ee, ok := As(err); ok {
		return ee.Code, ee.HTTPStatus
	}
	return CodeInternal, http.StatusInternalServerError
}

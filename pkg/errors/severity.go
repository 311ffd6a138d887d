// Package errors provides severity-aware error types for the enrichment
// pipeline. Record-level errors are recoverable (the run continues and the
// record is counted as failed); systemic errors abort the whole run.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// PortalError is a structured error with record context.
type PortalError struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	ResourceID  string   `json:"resource_id,omitempty"`
	Recoverable bool     `json:"recoverable"`
	Err         error    `json:"-"`
}

func (e *PortalError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("[%s] %s: %s (resource: %s)", e.Severity, e.Code, e.Message, e.ResourceID)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
}

func (e *PortalError) Unwrap() error {
	return e.Err
}

// Error codes
const (
	ErrCodeDimensionResolution = "DIMENSION_RESOLUTION_FAILED"
	ErrCodeDistribution        = "DISTRIBUTION_FAILED"
	ErrCodeRuleEvaluation      = "RULE_EVALUATION_FAILED"
	ErrCodePersistence         = "PERSISTENCE_FAILED"
	ErrCodeStorageUnavailable  = "STORAGE_UNAVAILABLE"
)

// NewDimensionResolutionError reports a record whose dimensions could not
// be resolved (missing or invalid parent). Record-level, not retried
// within the run.
func NewDimensionResolutionError(message, resourceID string) *PortalError {
	return &PortalError{
		Code:        ErrCodeDimensionResolution,
		Message:     message,
		Severity:    SeverityError,
		ResourceID:  resourceID,
		Recoverable: true,
	}
}

// NewDistributionError reports a malformed per-hour weight vector.
func NewDistributionError(message, resourceID string) *PortalError {
	return &PortalError{
		Code:        ErrCodeDistribution,
		Message:     message,
		Severity:    SeverityError,
		ResourceID:  resourceID,
		Recoverable: true,
	}
}

// NewRuleEvaluationError reports a malformed allocation rule payload. It
// is surfaced at rule load and does not block other records.
func NewRuleEvaluationError(ruleName string, err error) *PortalError {
	return &PortalError{
		Code:        ErrCodeRuleEvaluation,
		Message:     fmt.Sprintf("rule %q rejected: %v", ruleName, err),
		Severity:    SeverityWarning,
		Recoverable: true,
		Err:         err,
	}
}

// NewPersistenceError reports a record-level constraint violation other
// than the idempotency key.
func NewPersistenceError(message, resourceID string, err error) *PortalError {
	return &PortalError{
		Code:        ErrCodePersistence,
		Message:     message,
		Severity:    SeverityError,
		ResourceID:  resourceID,
		Recoverable: true,
		Err:         err,
	}
}

// NewStorageUnavailableError reports storage unavailability. Systemic: the
// whole run escalates to failed.
func NewStorageUnavailableError(err error) *PortalError {
	return &PortalError{
		Code:        ErrCodeStorageUnavailable,
		Message:     fmt.Sprintf("storage unavailable: %v", err),
		Severity:    SeverityFatal,
		Recoverable: false,
		Err:         err,
	}
}

// IsSystemic reports whether err (or anything it wraps) must abort the
// run rather than fail a single record.
func IsSystemic(err error) bool {
	var pe *PortalError
	if stderrors.As(err, &pe) {
		return !pe.Recoverable
	}
	return false
}

// CodeOf returns the portal error code, or empty for foreign errors.
func CodeOf(err error) string {
	var pe *PortalError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

package domain

import (
	"errors"
	"fmt"
)

// Recoverable screening errors. Each maps to a criterion status or a flag
// rather than failing the request.
var (
	// ErrNoEvidenceFound is returned when both retrieval channels come back empty
	ErrNoEvidenceFound = errors.New("no evidence found")
	// ErrRetrievalTimeout is returned when a retrieval call exceeds its deadline
	ErrRetrievalTimeout = errors.New("retrieval timeout")
	// ErrRetrievalUnavailable is returned when the knowledge store cannot serve requests
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	// ErrCalibrationUnavailable is returned when no calibration model is loaded
	ErrCalibrationUnavailable = errors.New("calibration unavailable")
	// ErrNotFound is returned by stores for unknown ids
	ErrNotFound = errors.New("not found")
)

// ValidationError represents input validation errors. It is fatal to a screening request.
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}

// AmbiguousCriterionError marks a criterion that cannot be evaluated as written,
// e.g. a malformed structured value or an unsupported field.
type AmbiguousCriterionError struct {
	CriterionID string `json:"criterion_id"`
	Reason      string `json:"reason"`
}

// Error implements the error interface
func (e *AmbiguousCriterionError) Error() string {
	return fmt.Sprintf("ambiguous criterion %s: %s", e.CriterionID, e.Reason)
}

// NewAmbiguousCriterionError creates a new AmbiguousCriterionError
func NewAmbiguousCriterionError(criterionID, reason string) *AmbiguousCriterionError {
	return &AmbiguousCriterionError{CriterionID: criterionID, Reason: reason}
}

// IsValidationError reports whether err wraps a *ValidationError
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAmbiguous reports whether err wraps an *AmbiguousCriterionError
func IsAmbiguous(err error) bool {
	var ae *AmbiguousCriterionError
	return errors.As(err, &ae)
}

// IsRetrievalFailure reports whether err is a recoverable retrieval failure
func IsRetrievalFailure(err error) bool {
	return errors.Is(err, ErrRetrievalTimeout) || errors.Is(err, ErrRetrievalUnavailable)
}

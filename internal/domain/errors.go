package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches another DomainError with the same code and message, so wrapped
// copies made with WithCause still match their sentinel.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

// WithCause returns a copy of e wrapping err.
func (e *DomainError) WithCause(err error) *DomainError {
	return NewDomainErrorWithCause(e.Code, e.Message, err)
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ErrorCode returns the code of the first DomainError in err's chain, or "".
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Common domain error codes
const (
	ErrCodeValidation               = "VALIDATION_ERROR"
	ErrCodeIndexUnavailable         = "INDEX_UNAVAILABLE"
	ErrCodeGenerationTimeout        = "GENERATION_TIMEOUT"
	ErrCodeGenerationRateLimited    = "GENERATION_RATE_LIMITED"
	ErrCodeGenerationServiceError   = "GENERATION_SERVICE_ERROR"
	ErrCodeGenerationRejected       = "GENERATION_REJECTED"
	ErrCodeServiceUnavailable       = "SERVICE_UNAVAILABLE"
	ErrCodeCancelled                = "CANCELLED"
	ErrCodeInternalError            = "INTERNAL_ERROR"
	ErrCodeEmbeddingVersionMismatch = "EMBEDDING_VERSION_MISMATCH"
)

// Validation errors
var (
	ErrEmptyText           = NewDomainError(ErrCodeValidation, "text is empty")
	ErrEmptyQuery          = NewDomainError(ErrCodeValidation, "query text is empty")
	ErrQueryTooLong        = NewDomainError(ErrCodeValidation, "query text is too long")
	ErrInvalidMode         = NewDomainError(ErrCodeValidation, "invalid query mode")
	ErrSelectedTextMissing = NewDomainError(ErrCodeValidation, "selected text is required in selected mode")
	ErrSelectedTextInMode  = NewDomainError(ErrCodeValidation, "selected text is only accepted in selected mode")
	ErrSelectedTextLength  = NewDomainError(ErrCodeValidation, "selected text length out of range")
	ErrDimensionMismatch   = NewDomainError(ErrCodeValidation, "embedding has wrong dimensions")
	ErrDuplicateChunk      = NewDomainError(ErrCodeValidation, "chunk id already indexed")
)

// Index errors
var (
	ErrIndexUnavailable = NewDomainError(ErrCodeIndexUnavailable, "index unavailable")
	ErrIndexReleased    = NewDomainError(ErrCodeIndexUnavailable, "index has been released")
	ErrVersionMismatch  = NewDomainError(ErrCodeEmbeddingVersionMismatch, "embedding version does not match index")
)

// Generation errors
var (
	ErrGenerationTimeout      = NewDomainError(ErrCodeGenerationTimeout, "generation timed out")
	ErrGenerationRateLimited  = NewDomainError(ErrCodeGenerationRateLimited, "generation rate limited")
	ErrGenerationServiceError = NewDomainError(ErrCodeGenerationServiceError, "generation service error")
	ErrGenerationRejected     = NewDomainError(ErrCodeGenerationRejected, "generation request rejected")
	ErrServiceUnavailable     = NewDomainError(ErrCodeServiceUnavailable, "generation service unavailable")
)

// Operation errors
var (
	ErrCancelled        = NewDomainError(ErrCodeCancelled, "request cancelled")
	ErrInternal         = NewDomainError(ErrCodeInternalError, "internal error")
	ErrIllegalState     = NewDomainError(ErrCodeInternalError, "illegal answer state transition")
	ErrContextBudget    = NewDomainError(ErrCodeInternalError, "context budget too small for any chunk")
	ErrEmbeddingBackend = NewDomainError(ErrCodeInternalError, "embedding backend failed")
)

// IsRetryableGeneration reports whether a generation failure is transient.
func IsRetryableGeneration(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeGenerationTimeout, ErrCodeGenerationRateLimited, ErrCodeGenerationServiceError:
		return true
	}
	return false
}

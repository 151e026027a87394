package domain

import "errors"

// Error taxonomy (sentinels). Wrap with fmt.Errorf("op=…: %w", err) so the
// HTTP layer and the retry classifier can match with errors.Is.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrPayloadTooLarge     = errors.New("payload too large")
	ErrRateLimited         = errors.New("rate limited")
	ErrTransient           = errors.New("transient failure")
	ErrDeterministic       = errors.New("deterministic failure")
	ErrCancelled           = errors.New("cancelled")
	ErrTimeout             = errors.New("timeout")
	ErrFatal               = errors.New("internal error")
)

// Stable machine codes carried in JobError and API envelopes.
const (
	CodeValidation      = "VALIDATION"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeIdemConflict    = "IDEMPOTENCY_CONFLICT"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeRateLimited     = "RATE_LIMITED"
	CodeTransient       = "TRANSIENT"
	CodeDeterministic   = "DETERMINISTIC_FAILURE"
	CodeCancelled       = "CANCELLED"
	CodeTimeout         = "TIMEOUT"
	CodePublishFailed   = "PUBLISH_FAILED"
	CodeAuditQuarantine = "AUDIT_QUARANTINE"
	CodeFatal           = "INTERNAL"
)

// JobError is the persisted terminal error of a job.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// CodeForError maps a sentinel chain to its stable machine code.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return CodeValidation
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrIdempotencyConflict):
		return CodeIdemConflict
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrPayloadTooLarge):
		return CodePayloadTooLarge
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrTransient):
		return CodeTransient
	case errors.Is(err, ErrDeterministic):
		return CodeDeterministic
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	default:
		return CodeFatal
	}
}

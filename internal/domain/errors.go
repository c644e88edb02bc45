package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("invalid request")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrProviderFailure     = errors.New("provider failure")
	ErrTimeout             = errors.New("polling ceiling exhausted")
	ErrMalformedOutput     = errors.New("malformed provider output")
)

// ProviderError wraps a failed dispatch or stream call against an external
// provider. PartialText holds whatever output had been accumulated before the
// failure; it is carried for diagnostics only and is never repaired.
type ProviderError struct {
	Op          string
	Provider    string
	StatusCode  int
	Reason      string
	PartialText string
	Err         error
}

func (e *ProviderError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Provider, e.Op, statusLabel(e.StatusCode), e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s", e.Provider, e.Op, statusLabel(e.StatusCode))
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the call may succeed if retried: rate limiting
// and server-side overload count, everything else is permanent.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func statusLabel(code int) string {
	if code == 0 {
		return "failed"
	}
	return fmt.Sprintf("status %d", code)
}

// IsTransient classifies an error for job-level retry purposes. Only
// rate-limited/overloaded create calls and polling timeouts are eligible;
// validation, billing, provider-reported failure and malformed output are
// terminal on first occurrence.
func IsTransient(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return false
}

// UserMessage derives the failure text surfaced to clients. Provider detail
// is appended only for dispatch and provider-reported failures; internal
// errors collapse to a generic message.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "invalid request"
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient credits"
	case errors.Is(err, ErrTimeout):
		return "generation timed out"
	case errors.Is(err, ErrMalformedOutput):
		return "provider returned unusable output"
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	if errors.Is(err, ErrProviderFailure) {
		return err.Error()
	}
	return "internal error"
}

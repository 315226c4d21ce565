package providers

import (
	"errors"
	"fmt"
	"strings"
)

// FailureReason classifies a provider failure.
type FailureReason string

const (
	ReasonAuth            FailureReason = "auth"
	ReasonRateLimit       FailureReason = "rate_limit"
	ReasonBilling         FailureReason = "billing"
	ReasonTimeout         FailureReason = "timeout"
	ReasonFormat          FailureReason = "format"
	ReasonConnectionError FailureReason = "connection_error"
	ReasonUnknown         FailureReason = "unknown"
)

var (
	// ErrNoProviders is returned when routing has no enabled candidates.
	ErrNoProviders = errors.New("no providers configured")
	// ErrEmptyResponse is returned when a backend answers without content.
	ErrEmptyResponse = errors.New("empty response from provider")
)

// StatusError carries an HTTP status for backends without a typed SDK error.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

// Attempt records one failed provider call inside a routed request.
type Attempt struct {
	ProviderID string
	Reason     FailureReason
	Err        error
}

// ProviderError is returned by the router when every candidate failed. Reason
// is the classification of the last failure.
type ProviderError struct {
	ProviderID string
	Reason     FailureReason
	Attempts   []Attempt
	Err        error
}

func (e *ProviderError) Error() string {
	if len(e.Attempts) <= 1 {
		return fmt.Sprintf("provider %s failed (%s): %v", e.ProviderID, e.Reason, e.Err)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.ProviderID, a.Reason))
	}
	return fmt.Sprintf("all providers failed [%s]: %v", strings.Join(parts, ", "), e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies a provider failure for retry and fallback decisions.
type ErrorKind string

const (
	KindAuth       ErrorKind = "auth"        // bad or exhausted credential
	KindRateLimit  ErrorKind = "rate_limit"  // 429
	KindOverloaded ErrorKind = "overloaded"  // 529 / 503
	KindBadRequest ErrorKind = "bad_request" // caller bug, never retried
	KindNetwork    ErrorKind = "network"     // transport failure
	KindInternal   ErrorKind = "internal"    // 5xx
)

// ProviderError is a classified failure from an LLM backend.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Retryable reports whether the same request may succeed if repeated.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit, KindOverloaded, KindNetwork, KindInternal:
		return true
	}
	return false
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusServiceUnavailable || status == 529:
		return KindOverloaded
	case status >= 500:
		return KindInternal
	default:
		return KindBadRequest
	}
}

// wrapTransportErr converts a transport failure into a ProviderError,
// preserving context cancellation.
func wrapTransportErr(provider string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ProviderError{Provider: provider, Kind: KindNetwork, Message: netErr.Error()}
	}
	return &ProviderError{Provider: provider, Kind: KindNetwork, Message: err.Error()}
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return false
}

// IsAuthError reports whether err indicates a bad credential.
func IsAuthError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Kind == KindAuth
}

// ParseRetryAfter parses a Retry-After header value (seconds form only).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

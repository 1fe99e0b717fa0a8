package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the unified failure interface returned by provider adapters.
// Retryability is carried on the error so the classifier never needs to
// know which adapter produced it.
type Error interface {
	error
	Kind() string
	Retryable() bool
	RetryAfter() *time.Duration
}

// Failure kinds, used as the classified `kind` in the run error log.
const (
	KindProviderTimeout     = "provider_timeout"
	KindProviderRateLimited = "provider_rate_limited"
	KindProviderError       = "provider_error"
	KindSearchUnavailable   = "search_unavailable"
	KindFetchFailed         = "fetch_failed"
	KindMalformedOutput     = "malformed_output"
	KindInvariantViolation  = "invariant_violation"
	KindCancelled           = "cancelled"
	KindConfiguration       = "configuration"
)

type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Kind() string               { return KindConfiguration }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type providerErrorBase struct {
	provider   string
	kind       string
	message    string
	retryable  bool
	retryAfter *time.Duration
}

func (e *providerErrorBase) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.provider == "" {
		return fmt.Sprintf("%s: %s", e.kind, msg)
	}
	return fmt.Sprintf("%s (%s): %s", e.kind, e.provider, msg)
}
func (e *providerErrorBase) Kind() string               { return e.kind }
func (e *providerErrorBase) Retryable() bool            { return e.retryable }
func (e *providerErrorBase) RetryAfter() *time.Duration { return e.retryAfter }

// ProviderTimeoutError: the generation provider did not answer in time.
type ProviderTimeoutError struct{ providerErrorBase }

// ProviderRateLimitedError: the provider refused with a rate limit.
type ProviderRateLimitedError struct{ providerErrorBase }

// ProviderFailedError: any other provider-side failure. Retryable only for
// server-side (5xx-class) conditions.
type ProviderFailedError struct{ providerErrorBase }

// SearchUnavailableError: the search provider could not serve the query.
type SearchUnavailableError struct{ providerErrorBase }

// FetchFailedError: a page fetch failed. Never fatal to the run; the
// Research merge phase records it and moves on.
type FetchFailedError struct{ providerErrorBase }

// MalformedOutputError: generation output did not match the requested
// shape. Retried once with a clarified re-request, then the section is
// degraded.
type MalformedOutputError struct {
	Stage  string
	Detail string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed %s output: %s", e.Stage, e.Detail)
}
func (e *MalformedOutputError) Kind() string               { return KindMalformedOutput }
func (e *MalformedOutputError) Retryable() bool            { return true }
func (e *MalformedOutputError) RetryAfter() *time.Duration { return nil }

func NewProviderTimeout(provider, message string) error {
	return &ProviderTimeoutError{providerErrorBase{
		provider: provider, kind: KindProviderTimeout, message: message, retryable: true,
	}}
}

func NewProviderRateLimited(provider, message string, retryAfter *time.Duration) error {
	return &ProviderRateLimitedError{providerErrorBase{
		provider: provider, kind: KindProviderRateLimited, message: message,
		retryable: true, retryAfter: retryAfter,
	}}
}

func NewProviderFailed(provider, message string, retryable bool) error {
	return &ProviderFailedError{providerErrorBase{
		provider: provider, kind: KindProviderError, message: message, retryable: retryable,
	}}
}

func NewSearchUnavailable(provider, message string) error {
	return &SearchUnavailableError{providerErrorBase{
		provider: provider, kind: KindSearchUnavailable, message: message, retryable: true,
	}}
}

func NewFetchFailed(url, message string) error {
	return &FetchFailedError{providerErrorBase{
		provider: url, kind: KindFetchFailed, message: message, retryable: false,
	}}
}

// ErrorFromHTTPStatus maps a provider HTTP status to the taxonomy.
// Unknown statuses default to a retryable provider error, so a flaky
// provider is retried rather than aborting the run.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return NewProviderTimeout(provider, message)
	case http.StatusTooManyRequests:
		return NewProviderRateLimited(provider, message, retryAfter)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return NewProviderFailed(provider, message, true)
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return NewProviderFailed(provider, fmt.Sprintf("status %d: %s", statusCode, message), false)
	default:
		return NewProviderFailed(provider, fmt.Sprintf("status %d: %s", statusCode, message), true)
	}
}

// WrapContextError converts context cancellation/deadline errors from a
// provider call into taxonomy errors. Deadline becomes a retryable
// timeout; cancellation passes through so the engine sees it as such.
func WrapContextError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewProviderTimeout(provider, err.Error())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return NewProviderTimeout(provider, err.Error())
	}
	return NewProviderFailed(provider, err.Error(), true)
}

// ParseRetryAfter parses a Retry-After header: integer seconds or an
// HTTP-date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

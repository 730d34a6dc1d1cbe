package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind classifies a failure for retry and fallback policy. Policy code
// switches on kinds, never on provider-specific payloads.
type ErrorKind string

const (
	// ErrNetwork is a connection failure, timeout or 5xx response. Transient.
	ErrNetwork ErrorKind = "network"
	// ErrRateLimited is a 429 response. Transient; RetryAfter carries the
	// provider's backoff hint when one was supplied.
	ErrRateLimited ErrorKind = "rate_limited"
	// ErrShapeMismatch means the endpoint does not serve the requested API
	// shape (404-class). Triggers the router's one-shot shape fallback
	// instead of a retry.
	ErrShapeMismatch ErrorKind = "shape_mismatch"
	// ErrAuth is a credential rejection (401/403). Fatal.
	ErrAuth ErrorKind = "auth"
	// ErrConfig is a missing or unresolvable configuration value, raised
	// before any network I/O. Fatal.
	ErrConfig ErrorKind = "config"
	// ErrMalformedStream is a protocol-sequence violation, e.g. a tool call
	// left open at stream end. Fatal.
	ErrMalformedStream ErrorKind = "malformed_stream"
	// ErrToolExecution is a tool executor failure. Surfaced to the
	// conversation as an error tool result, not as a turn failure.
	ErrToolExecution ErrorKind = "tool_execution"
	// ErrProvider is a terminal provider rejection that fits no other kind
	// (plain 4xx such as an invalid request). Fatal.
	ErrProvider ErrorKind = "provider"
	// ErrAborted marks cooperative cancellation. A distinct terminal
	// outcome rather than a failure.
	ErrAborted ErrorKind = "aborted"
)

// Error is the typed failure carried through streams, the router and the
// agent loop.
type Error struct {
	Kind     ErrorKind
	Message  string
	Provider string
	// Status is the HTTP status code when the failure came from a response.
	Status int
	// RetryAfter is the provider-supplied backoff hint, if any.
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		b.WriteString(" (")
		b.WriteString(e.Provider)
		b.WriteString(")")
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error of the given kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf builds an Error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error keeping err as the unwrappable cause.
func WrapError(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

const maxErrorBody = 512

// FromStatus classifies a non-2xx HTTP response body into the taxonomy:
// 401/403 → auth, 404 → shape mismatch, 408 → network, 429 → rate limited,
// 5xx → network, anything else → provider.
func FromStatus(provider string, status int, body string) *Error {
	body = strings.TrimSpace(body)
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody] + "..."
	}
	e := &Error{
		Provider: provider,
		Status:   status,
		Message:  fmt.Sprintf("HTTP %d: %s", status, body),
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = ErrAuth
	case status == http.StatusNotFound:
		e.Kind = ErrShapeMismatch
	case status == http.StatusRequestTimeout:
		e.Kind = ErrNetwork
	case status == http.StatusTooManyRequests:
		e.Kind = ErrRateLimited
	case status >= 500:
		e.Kind = ErrNetwork
	default:
		e.Kind = ErrProvider
	}
	return e
}

// FromResponse classifies a non-2xx response and captures the Retry-After
// hint when present.
func FromResponse(provider string, resp *http.Response, body []byte) *Error {
	e := FromStatus(provider, resp.StatusCode, string(body))
	if e.Kind == ErrRateLimited {
		e.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return e
}

// ParseRetryAfter interprets a Retry-After header value as either delay
// seconds or an HTTP date. Returns zero when the value is absent or invalid.
func ParseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// AsError unwraps err to a taxonomy Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Classify maps an arbitrary error to its taxonomy kind. Context
// cancellation maps to aborted, deadline expiry and transport failures to
// network.
func Classify(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrAborted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNetwork
	}
	// Transport failures and anything unrecognized stay retryable.
	return ErrNetwork
}

// IsTransient reports whether err may be retried under the backoff policy.
func IsTransient(err error) bool {
	switch Classify(err) {
	case ErrNetwork, ErrRateLimited:
		return true
	default:
		return false
	}
}

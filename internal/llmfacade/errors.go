package llmfacade

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// ErrorKind is the common taxonomy provider-specific errors are classified
// into before leaving this component (spec.md §4.3 "Error classification").
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindRateLimit ErrorKind = "rate_limit"
	KindAuth      ErrorKind = "auth"
	KindMalformed ErrorKind = "malformed"
	KindCancelled ErrorKind = "cancelled"
	KindNetwork   ErrorKind = "network"
	KindUnknown   ErrorKind = "unknown"
)

// ProviderError wraps a raw provider failure with its classified kind and,
// when the provider returned a bare numeric status code, that code
// preserved verbatim in the message (spec.md §4.3: "Numeric-only codes are
// preserved in the message").
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return e.Message + " (status " + strconv.Itoa(e.StatusCode) + ")"
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError constructs a ProviderError, classifying it from an HTTP
// status code.
func NewProviderError(statusCode int, message string, cause error) *ProviderError {
	return &ProviderError{
		Kind:       classifyStatusCode(statusCode),
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

func classifyStatusCode(code int) ErrorKind {
	switch {
	case code == 401 || code == 403:
		return KindAuth
	case code == 429:
		return KindRateLimit
	case code == 408 || code == 504:
		return KindTimeout
	case code >= 500:
		return KindNetwork
	case code >= 400:
		return KindMalformed
	default:
		return KindUnknown
	}
}

// Classify maps an arbitrary error returned from a provider adapter into
// the common taxonomy. A *ProviderError's own Kind is authoritative;
// context cancellation/deadline errors map to Cancelled/Timeout; generic
// net errors map to Network.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	return KindNetwork
}

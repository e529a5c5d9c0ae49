package errmap

import (
	"errors"
	"net/http"

	"github.com/diagramflow/core/internal/domain"
)

// HTTPError represents an HTTP error response.
type HTTPError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e HTTPError) Error() string {
	return e.Message
}

// ToHTTPError converts a domain error to an HTTP error for the SSE/REST
// surface of the gateway.
func ToHTTPError(err error) HTTPError {
	if err == nil {
		return HTTPError{StatusCode: http.StatusOK}
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		return HTTPError{
			StatusCode: http.StatusNotFound,
			Code:       "NOT_FOUND",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrAlreadyExists):
		return HTTPError{
			StatusCode: http.StatusConflict,
			Code:       "ALREADY_EXISTS",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrUnauthorized):
		return HTTPError{
			StatusCode: http.StatusUnauthorized,
			Code:       "UNAUTHENTICATED",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrForbidden):
		return HTTPError{
			StatusCode: http.StatusForbidden,
			Code:       "PERMISSION_DENIED",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrInvalidPhoneNumber),
		errors.Is(err, domain.ErrEmptyID),
		errors.Is(err, domain.ErrInvalidID):
		return HTTPError{
			StatusCode: http.StatusBadRequest,
			Code:       "INVALID_ARGUMENT",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrSMSCodeIncorrect), errors.Is(err, domain.ErrSMSNoActiveCode):
		return HTTPError{
			StatusCode: http.StatusBadRequest,
			Code:       "CODE_INVALID",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrSMSTooManyAttempts):
		return HTTPError{
			StatusCode: http.StatusTooManyRequests,
			Code:       "TOO_MANY_ATTEMPTS",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrSMSCooldownActive):
		return HTTPError{
			StatusCode: http.StatusTooManyRequests,
			Code:       "RESEND_COOLDOWN",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrQuotaExceeded), errors.Is(err, domain.ErrSMSHourlyCapReached):
		return HTTPError{
			StatusCode: http.StatusTooManyRequests,
			Code:       "QUOTA_EXCEEDED",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrRateLimited):
		return HTTPError{
			StatusCode: http.StatusTooManyRequests,
			Code:       "RATE_LIMITED",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrUpstreamTimeout):
		return HTTPError{
			StatusCode: http.StatusGatewayTimeout,
			Code:       "UPSTREAM_TIMEOUT",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrUpstreamAuth):
		return HTTPError{
			StatusCode: http.StatusBadGateway,
			Code:       "UPSTREAM_AUTH_FAILED",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrUpstreamMalformed), errors.Is(err, domain.ErrUpstreamError):
		return HTTPError{
			StatusCode: http.StatusBadGateway,
			Code:       "UPSTREAM_ERROR",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrSMSGatewayFailed):
		return HTTPError{
			StatusCode: http.StatusBadGateway,
			Code:       "SMS_GATEWAY_FAILED",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrCancelled):
		return HTTPError{
			StatusCode: http.StatusRequestTimeout,
			Code:       "CANCELLED",
			Message:    err.Error(),
		}

	case errors.Is(err, domain.ErrUnavailable):
		return HTTPError{
			StatusCode: http.StatusServiceUnavailable,
			Code:       "UNAVAILABLE",
			Message:    err.Error(),
		}

	default:
		// Never expose internal error details to clients
		return HTTPError{
			StatusCode: http.StatusInternalServerError,
			Code:       "INTERNAL",
			Message:    "internal error",
		}
	}
}

// ToHTTPStatusCode extracts just the HTTP status code for a domain error.
func ToHTTPStatusCode(err error) int {
	return ToHTTPError(err).StatusCode
}

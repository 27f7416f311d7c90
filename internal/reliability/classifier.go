package reliability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const genericUserMessage = "Something went wrong. Please try again."

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable is the default retryability predicate: transient transport
// faults, attempt timeouts, rate limits and upstream 5xx qualify. Structural
// failures (4xx other than 429, malformed responses) do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ve, ok := AsError(err); ok {
		if ve.Permanent {
			return false
		}
		if ve.StatusCode != 0 {
			return IsRetryableHTTPStatus(ve.StatusCode)
		}
		return ve.Category == CategoryConnection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// ClassifyStatus maps an upstream HTTP status into the closed taxonomy. The
// mapping is total: an unmapped status still yields a generic API error.
// detail may carry the raw upstream body and is kept out of UserMessage.
func ClassifyStatus(endpoint string, statusCode int, detail string) *Error {
	switch {
	case statusCode == 400:
		return NewAPIError("INVALID_REQUEST",
			fmt.Sprintf("upstream rejected request: %s", detail),
			"Please check your connection parameters and try again.",
			endpoint, statusCode)
	case statusCode == 401 || statusCode == 403:
		return NewAuthenticationError("INVALID_API_KEY",
			fmt.Sprintf("upstream rejected credentials: %s", detail),
			"Service authentication failed. Please contact support.",
			"api_key", statusCode)
	case statusCode == 404:
		return NewSessionError("SESSION_NOT_FOUND",
			"session not found or expired",
			"Your session has expired. Please reconnect to continue.",
			"")
	case statusCode == 409:
		return NewSessionError("CONNECTION_CONFLICT",
			"session already has an active connection",
			"This session is already connected. Please disconnect first.",
			"")
	case statusCode == 429:
		return NewAuthenticationError("RATE_LIMITED",
			fmt.Sprintf("rate limited: %s", detail),
			"Too many requests. Please wait a moment and try again.",
			"rate_limit", statusCode)
	case statusCode >= 500:
		return NewAPIError("CONNECTION_FAILED",
			fmt.Sprintf("upstream unavailable (status %d): %s", statusCode, detail),
			"Service temporarily unavailable. Please try again.",
			endpoint, statusCode)
	default:
		return NewAPIError("API_ERROR",
			fmt.Sprintf("unexpected upstream status %d: %s", statusCode, detail),
			genericUserMessage,
			endpoint, statusCode)
	}
}

// ClassifyTransport maps a transport-level failure (dial error, timeout,
// canceled context) into the taxonomy. Already-classified errors pass
// through unchanged.
func ClassifyTransport(endpoint string, err error) *Error {
	if ve, ok := AsError(err); ok {
		return ve
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewConnectionError("CONNECTION_TIMEOUT",
			fmt.Sprintf("%s: attempt timed out: %v", endpoint, err),
			"Connection attempt timed out. Please check your network and try again.")
	case errors.Is(err, context.Canceled):
		ce := NewConnectionError("CONNECTION_ABORTED",
			fmt.Sprintf("%s: attempt canceled: %v", endpoint, err),
			"Connection attempt was canceled.")
		ce.Recoverable = false
		return ce
	default:
		return NewConnectionError("NETWORK_ERROR",
			fmt.Sprintf("%s: network error: %v", endpoint, err),
			"Unable to reach the voice service. Please check your internet connection.")
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

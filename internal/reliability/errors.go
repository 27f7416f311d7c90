// Package reliability owns failure classification and bounded retry for the
// realtime session lifecycle. Every fallible boundary in the module produces
// exactly one *Error from the closed category set; raw transport failures and
// upstream status codes never escape uncategorized.
package reliability

import (
	"errors"
	"fmt"
	"time"
)

// Category is the closed failure taxonomy.
type Category string

const (
	CategoryConnection           Category = "CONNECTION"
	CategoryAuthentication       Category = "AUTHENTICATION"
	CategoryAudio                Category = "AUDIO"
	CategoryBrowserCompatibility Category = "BROWSER_COMPATIBILITY"
	CategorySession              Category = "SESSION"
	CategoryAPI                  Category = "API"
)

// Error is a classified failure. Message may embed raw upstream detail for
// logs; UserMessage is always sanitized and safe to display.
type Error struct {
	Category    Category
	Code        string
	Message     string
	UserMessage string
	Timestamp   time.Time
	Recoverable bool
	// Permanent marks an error that must never be retried regardless of its
	// status code, e.g. a malformed body from a reachable upstream.
	Permanent bool

	// Category-specific context, zero-valued when not applicable.
	StatusCode  int
	Endpoint    string
	SessionID   string
	AuthType    string
	AudioType   string
	Permissions string
	RetryCount  int
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s/%s (status %d): %s", e.Category, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Code, e.Message)
}

// AsError extracts a classified error from err's chain.
func AsError(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

func NewConnectionError(code, message, userMessage string) *Error {
	return &Error{
		Category:    CategoryConnection,
		Code:        code,
		Message:     message,
		UserMessage: userMessage,
		Timestamp:   time.Now().UTC(),
		Recoverable: true,
	}
}

// NewAuthenticationError is recoverable only for rate limiting; a missing or
// invalid credential cannot be healed by retrying.
func NewAuthenticationError(code, message, userMessage, authType string, statusCode int) *Error {
	return &Error{
		Category:    CategoryAuthentication,
		Code:        code,
		Message:     message,
		UserMessage: userMessage,
		Timestamp:   time.Now().UTC(),
		AuthType:    authType,
		StatusCode:  statusCode,
		Recoverable: authType == "rate_limit",
	}
}

func NewAudioError(code, message, userMessage, audioType, permissions string) *Error {
	return &Error{
		Category:    CategoryAudio,
		Code:        code,
		Message:     message,
		UserMessage: userMessage,
		Timestamp:   time.Now().UTC(),
		AudioType:   audioType,
		Permissions: permissions,
		Recoverable: permissions != "denied",
	}
}

func NewBrowserCompatibilityError(code, message, userMessage string) *Error {
	return &Error{
		Category:    CategoryBrowserCompatibility,
		Code:        code,
		Message:     message,
		UserMessage: userMessage,
		Timestamp:   time.Now().UTC(),
		Recoverable: false,
	}
}

func NewSessionError(code, message, userMessage, sessionID string) *Error {
	return &Error{
		Category:    CategorySession,
		Code:        code,
		Message:     message,
		UserMessage: userMessage,
		Timestamp:   time.Now().UTC(),
		SessionID:   sessionID,
		Recoverable: true,
	}
}

func NewAPIError(code, message, userMessage, endpoint string, statusCode int) *Error {
	return &Error{
		Category:    CategoryAPI,
		Code:        code,
		Message:     message,
		UserMessage: userMessage,
		Timestamp:   time.Now().UTC(),
		Endpoint:    endpoint,
		StatusCode:  statusCode,
		Recoverable: statusCode >= 500 || statusCode == 429,
	}
}

package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of an error raised by the client core.
type ErrorType int

// Error type constants categorize errors for proper handling and retry logic.
const (
	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeNetwork indicates a transport failure (refused, dropped, reset).
	ErrorTypeNetwork
	// ErrorTypeTimeout indicates no response arrived within the allotted window.
	ErrorTypeTimeout
	// ErrorTypeRateLimit indicates the remote rate limit was breached or calls are paused.
	ErrorTypeRateLimit
	// ErrorTypeAuthentication indicates invalid or expired credentials.
	ErrorTypeAuthentication
	// ErrorTypeBadRequest indicates invalid request parameters.
	ErrorTypeBadRequest
	// ErrorTypeNotFound indicates the requested resource does not exist.
	ErrorTypeNotFound
	// ErrorTypeServerError indicates a server-side error.
	ErrorTypeServerError
	// ErrorTypeProtocol indicates a malformed or unexpected frame.
	ErrorTypeProtocol
	// ErrorTypeConfiguration indicates missing or invalid settings.
	ErrorTypeConfiguration
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	names := [...]string{
		"UNKNOWN",
		"NETWORK",
		"TIMEOUT",
		"RATE_LIMIT",
		"AUTHENTICATION",
		"BAD_REQUEST",
		"NOT_FOUND",
		"SERVER_ERROR",
		"PROTOCOL",
		"CONFIGURATION",
	}
	if int(t) < 0 || int(t) >= len(names) {
		return "UNKNOWN"
	}
	return names[t]
}

// Sentinel errors for common error conditions.
var (
	// ErrClientClosed is returned when attempting to use a closed client.
	ErrClientClosed = errors.New("client is closed")
	// ErrStreamClosed is returned when attempting to use a closed stream.
	ErrStreamClosed = errors.New("stream is closed")
	// ErrNotConnected is returned when the stream connection is not active.
	ErrNotConnected = errors.New("websocket not connected")
	// ErrRateLimitExceeded is returned while outbound calls are paused after a rate-limit breach.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrRequestTimeout is returned when a stream command gets no response in time.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrNoCredentials is returned when no API credentials are configured.
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrNoAPIKey is returned when no API key is available.
	ErrNoAPIKey = errors.New("no available API key")
)

// ExchangeError represents a structured error returned from the exchange or
// raised by the client core on its behalf.
type ExchangeError struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType `json:"type"`
	// StatusCode is the HTTP status code from the response, zero for stream errors.
	StatusCode int `json:"status_code"`
	// Code is the exchange-specific or client error code.
	Code string `json:"code"`
	// Message is the human-readable error description.
	Message string `json:"message"`
	// Exchange identifies which exchange the error relates to.
	Exchange string `json:"exchange"`
	// Timestamp is when the error occurred.
	Timestamp time.Time `json:"timestamp"`
	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface for ExchangeError.
func (e *ExchangeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s (%d/%s): %s",
			e.Exchange, e.Type, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s (%d): %s",
		e.Exchange, e.Type, e.StatusCode, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// WithCode sets the error code and returns the error for chaining.
func (e *ExchangeError) WithCode(code ErrorCode) *ExchangeError {
	e.Code = string(code)
	return e
}

// WithCause sets the underlying cause and returns the error for chaining.
func (e *ExchangeError) WithCause(err error) *ExchangeError {
	e.Err = err
	return e
}

// NewExchangeError creates a new ExchangeError with the specified details.
// The timestamp is automatically set to the current time.
func NewExchangeError(exchange string, errorType ErrorType, statusCode int, message string) *ExchangeError {
	return &ExchangeError{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
		Exchange:   exchange,
		Timestamp:  time.Now(),
	}
}

// NewExchangeErrorWithCode creates a new ExchangeError including an exchange-specific error code.
func NewExchangeErrorWithCode(exchange string, errorType ErrorType, statusCode int, code, message string) *ExchangeError {
	return &ExchangeError{
		Type:       errorType,
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Exchange:   exchange,
		Timestamp:  time.Now(),
	}
}

// NewRateLimitError reports that calls are paused until the given time.
func NewRateLimitError(exchange string, until time.Time) *ExchangeError {
	return NewExchangeError(exchange, ErrorTypeRateLimit, 0,
		fmt.Sprintf("requests paused until %s", until.UTC().Format(time.RFC3339))).
		WithCode(ErrCodeRateLimit).
		WithCause(ErrRateLimitExceeded)
}

// NewTimeoutError reports that a command got no response within timeout.
func NewTimeoutError(exchange, operation string, timeout time.Duration) *ExchangeError {
	return NewExchangeError(exchange, ErrorTypeTimeout, 0,
		fmt.Sprintf("%s: no response within %s", operation, timeout)).
		WithCode(ErrCodeTimeout).
		WithCause(ErrRequestTimeout)
}

func typeOf(err error) (ErrorType, bool) {
	var e *ExchangeError
	if errors.As(err, &e) {
		return e.Type, true
	}
	return ErrorTypeUnknown, false
}

// IsNetworkError returns true if the error is a transport failure.
func IsNetworkError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeNetwork
}

// IsTimeoutError returns true if the error is a timeout.
func IsTimeoutError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeTimeout
}

// IsRateLimitError returns true if the error is a rate limit violation or pause.
func IsRateLimitError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeRateLimit
}

// IsAuthenticationError returns true if the error is an authentication failure.
func IsAuthenticationError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeAuthentication
}

// IsProtocolError returns true if the error came from an unexpected frame or payload.
func IsProtocolError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeProtocol
}

// IsTerminalError returns true if retrying the same call cannot succeed.
func IsTerminalError(err error) bool {
	t, ok := typeOf(err)
	return ok && (t == ErrorTypeBadRequest ||
		t == ErrorTypeNotFound ||
		t == ErrorTypeAuthentication ||
		t == ErrorTypeConfiguration)
}

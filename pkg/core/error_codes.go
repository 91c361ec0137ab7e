package core

import "errors"

// ErrorCode is a machine-readable identifier for errors raised by the client
// itself. Errors mapped from an exchange response carry the exchange's own
// numeric code instead.
type ErrorCode string

// Codes mirroring an ErrorType, used when a response carries no code of its own.
const (
	ErrCodeNetwork     ErrorCode = "NETWORK_ERROR"
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
	ErrCodeRateLimit   ErrorCode = "RATE_LIMIT"
	ErrCodeAuth        ErrorCode = "AUTH_ERROR"
	ErrCodeBadRequest  ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound    ErrorCode = "NOT_FOUND"
	ErrCodeServerError ErrorCode = "SERVER_ERROR"
)

const (
	// ErrCodeIPBanned marks an HTTP 418: the address was banned for
	// continuing to send after a 429.
	ErrCodeIPBanned ErrorCode = "IP_BANNED"

	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeNoCredentials ErrorCode = "NO_CREDENTIALS"
	ErrCodeNoAPIKey      ErrorCode = "NO_API_KEY"

	// ErrCodeStreamRejected marks a stream command answered with an error object.
	ErrCodeStreamRejected ErrorCode = "STREAM_REJECTED"
	ErrCodeMalformedFrame ErrorCode = "MALFORMED_FRAME"
)

// CodeFor returns the generic code of an error type, or "" for types that
// have none.
func CodeFor(t ErrorType) ErrorCode {
	switch t {
	case ErrorTypeNetwork:
		return ErrCodeNetwork
	case ErrorTypeTimeout:
		return ErrCodeTimeout
	case ErrorTypeRateLimit:
		return ErrCodeRateLimit
	case ErrorTypeAuthentication:
		return ErrCodeAuth
	case ErrorTypeBadRequest:
		return ErrCodeBadRequest
	case ErrorTypeNotFound:
		return ErrCodeNotFound
	case ErrorTypeServerError:
		return ErrCodeServerError
	default:
		return ""
	}
}

// IsErrorCode reports whether err wraps an ExchangeError with code.
func IsErrorCode(err error, code ErrorCode) bool {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return ErrorCode(exErr.Code) == code
	}
	return false
}

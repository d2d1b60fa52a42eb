package critic

import "fmt"

// ErrorType represents the failure class of a critic invocation.
type ErrorType int

const (
	ErrTypeTimeout ErrorType = iota
	ErrTypeRateLimit
	ErrTypeUnavailable
	ErrTypeAuthentication
	ErrTypeMalformedResponse
	ErrTypeInvalidRequest
	ErrTypeUnknown
)

// String returns a human-readable description of the error type.
func (e ErrorType) String() string {
	switch e {
	case ErrTypeTimeout:
		return "timeout"
	case ErrTypeRateLimit:
		return "rate limit exceeded"
	case ErrTypeUnavailable:
		return "service unavailable"
	case ErrTypeAuthentication:
		return "authentication error"
	case ErrTypeMalformedResponse:
		return "malformed response"
	case ErrTypeInvalidRequest:
		return "invalid request"
	default:
		return "unknown error"
	}
}

// Error is a classified critic failure. Transient classes (timeout,
// rate-limit, unavailable) are retryable; permanent classes are not and feed
// straight into circuit-breaker accounting.
type Error struct {
	Type      ErrorType
	Message   string
	CriticID  string
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.CriticID, e.Type.String(), e.Message)
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// IsRetryable returns true if the failure class is transient.
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(criticID, message string) *Error {
	return &Error{Type: ErrTypeTimeout, Message: message, CriticID: criticID, Retryable: true}
}

// NewRateLimitError creates a new rate limit error.
func NewRateLimitError(criticID, message string) *Error {
	return &Error{Type: ErrTypeRateLimit, Message: message, CriticID: criticID, Retryable: true}
}

// NewUnavailableError creates a new service unavailable error.
func NewUnavailableError(criticID, message string) *Error {
	return &Error{Type: ErrTypeUnavailable, Message: message, CriticID: criticID, Retryable: true}
}

// NewAuthenticationError creates a new authentication error.
func NewAuthenticationError(criticID, message string) *Error {
	return &Error{Type: ErrTypeAuthentication, Message: message, CriticID: criticID, Retryable: false}
}

// NewMalformedResponseError creates a new malformed response error.
func NewMalformedResponseError(criticID, message string) *Error {
	return &Error{Type: ErrTypeMalformedResponse, Message: message, CriticID: criticID, Retryable: false}
}

// NewInvalidRequestError creates a new invalid request error.
func NewInvalidRequestError(criticID, message string) *Error {
	return &Error{Type: ErrTypeInvalidRequest, Message: message, CriticID: criticID, Retryable: false}
}

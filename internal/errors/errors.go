package errors

import (
	"net/http"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Authentication errors (401xx)
	ErrInvalidCredentials ErrorCode = "40101"
	ErrTokenExpired       ErrorCode = "40102"

	// Resource errors (404xx)
	ErrJobNotFound          ErrorCode = "40401"
	ErrConversationNotFound ErrorCode = "40402"

	// Request errors (400xx)
	ErrInvalidRequest   ErrorCode = "40001"
	ErrValidationFailed ErrorCode = "40002"

	// State errors (409xx)
	ErrInvalidState ErrorCode = "40901"
	ErrConflict     ErrorCode = "40902"

	// Size errors (413xx)
	ErrPayloadTooLarge ErrorCode = "41301"

	// Rate limit errors (429xx)
	ErrRateLimited ErrorCode = "42902"

	// Server errors (500xx)
	ErrInternalServer      ErrorCode = "50001"
	ErrUpstreamTimeout     ErrorCode = "50401"
	ErrUpstreamUnavailable ErrorCode = "50301"
)

// APIError represents a standardized API error
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Details    any       `json:"details,omitempty"`
	HTTPStatus int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse represents the error response format
type ErrorResponse struct {
	Error         APIError `json:"error"`
	RequestID     string   `json:"request_id"`
	CorrelationID string   `json:"correlation_id,omitempty"`
	Path          string   `json:"path,omitempty"`
	Method        string   `json:"method,omitempty"`
}

// NewErrorResponse builds the response envelope for an API error
func NewErrorResponse(err *APIError, requestID, correlationID, path, method string) ErrorResponse {
	return ErrorResponse{
		Error:         *err,
		RequestID:     requestID,
		CorrelationID: correlationID,
		Path:          path,
		Method:        method,
	}
}

// Common errors
var (
	ErrInvalidCredentialsError = &APIError{
		Code:       ErrInvalidCredentials,
		Message:    "Invalid or missing credentials",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrTokenExpiredError = &APIError{
		Code:       ErrTokenExpired,
		Message:    "Token has expired",
		HTTPStatus: http.StatusUnauthorized,
	}

	ErrJobNotFoundError = &APIError{
		Code:       ErrJobNotFound,
		Message:    "Job not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrConversationNotFoundError = &APIError{
		Code:       ErrConversationNotFound,
		Message:    "Conversation not found",
		HTTPStatus: http.StatusNotFound,
	}

	ErrPayloadTooLargeError = &APIError{
		Code:       ErrPayloadTooLarge,
		Message:    "File exceeds the maximum allowed size",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrRateLimitedError = &APIError{
		Code:       ErrRateLimited,
		Message:    "Rate limit exceeded",
		HTTPStatus: http.StatusTooManyRequests,
	}

	ErrInternalServerError = &APIError{
		Code:       ErrInternalServer,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrUpstreamTimeoutError = &APIError{
		Code:       ErrUpstreamTimeout,
		Message:    "Upstream service timeout",
		HTTPStatus: http.StatusGatewayTimeout,
	}

	ErrUpstreamUnavailableError = &APIError{
		Code:       ErrUpstreamUnavailable,
		Message:    "Upstream service unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)

// NewValidationError creates a validation error with details
func NewValidationError(details any) *APIError {
	return &APIError{
		Code:       ErrValidationFailed,
		Message:    "Validation failed",
		Details:    details,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidRequestError creates an invalid request error
func NewInvalidRequestError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewInvalidStateError creates an error for operations not allowed in the current state
func NewInvalidStateError(message string) *APIError {
	return &APIError{
		Code:       ErrInvalidState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// FromError maps a classified error to the API error returned to callers.
// notFound is used for KindNotFound so handlers can name the missing resource.
func FromError(err error, notFound *APIError) *APIError {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*APIError); ok {
		return apiErr
	}
	switch KindOf(err) {
	case KindValidation:
		return NewValidationError(err.Error())
	case KindNotFound:
		if notFound != nil {
			return notFound
		}
		return &APIError{Code: ErrInvalidRequest, Message: "Resource not found", HTTPStatus: http.StatusNotFound}
	case KindInvalidState:
		return NewInvalidStateError(err.Error())
	case KindConflict:
		return &APIError{Code: ErrConflict, Message: err.Error(), HTTPStatus: http.StatusConflict}
	case KindTransient:
		return ErrUpstreamUnavailableError
	case KindCancellation:
		return ErrUpstreamTimeoutError
	default:
		return ErrInternalServerError
	}
}

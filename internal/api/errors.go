package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/fleet-relay/dlr/internal/driver"
	"github.com/fleet-relay/dlr/internal/relay"
)

// API error codes.
const (
	CodeBadRequest       = relay.CodeBadRequest
	CodeNotFound         = relay.CodeNotFound
	CodeInternal         = relay.CodeInternal
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeBusy             = "BUSY"
	CodeUnavailable      = "UNAVAILABLE"
)

// APIError represents an API-layer error with HTTP status code.
type APIError struct {
	Code       string
	Message    string
	Details    interface{}
	StatusCode int
}

// API-layer sentinels for lookup and transport conditions.
var (
	ErrNotFoundError    = errors.New(CodeNotFound)
	ErrUnavailableError = errors.New(CodeUnavailable)
)

// NewAPIError creates a new API error.
func NewAPIError(code string, message string, statusCode int, details interface{}) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		Details:    details,
		StatusCode: statusCode,
	}
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ToAPIError maps an error to its HTTP status and envelope fields. Unknown
// errors become 500 INTERNAL without leaking the cause.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var verr *relay.ValidationError
	if errors.As(err, &verr) {
		return NewAPIError(verr.Code(), verr.Error(), http.StatusBadRequest, map[string]string{"field": verr.Field})
	}

	switch {
	case errors.Is(err, driver.ErrNotFound), errors.Is(err, ErrNotFoundError):
		return NewAPIError(CodeNotFound, "Resource not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrUnavailableError):
		return NewAPIError(CodeUnavailable, "Service unavailable", http.StatusServiceUnavailable, nil)
	default:
		return NewAPIError(CodeInternal, "Internal server error", http.StatusInternalServerError, nil)
	}
}

// writeAPIError writes err as an envelope. Internal errors are also reported
// as faults so every connection hears about them.
func (s *Server) writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := ToAPIError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError && apiErr.Code == CodeInternal {
		s.relay.ReportFault(r.Context(), err, correlationID(r))
	}
	WriteError(w, r, apiErr.StatusCode, apiErr.Code, apiErr.Message, apiErr.Details)
}

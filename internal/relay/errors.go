package relay

import (
	"errors"
	"fmt"
)

// Error codes shared with the transports.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeNotFound   = "NOT_FOUND"
	CodeInternal   = "INTERNAL"
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New(CodeBadRequest)

// ErrConnectionClosed is returned when the connection left before its
// request was applied.
var ErrConnectionClosed = errors.New("connection closed")

// ValidationError reports a missing or malformed request field. It is
// returned to the caller only and never broadcast.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Code returns the wire code.
func (e *ValidationError) Code() string {
	return CodeBadRequest
}

func missingField(field string) *ValidationError {
	return &ValidationError{Field: field, Reason: "is required"}
}

package api

import (
	"errors"
	"fmt"
)

// ErrorCode classifies an engine error for callers across the boundary.
type ErrorCode string

const (
	ErrCodeInvalidGrammar ErrorCode = "invalid_grammar"
	ErrCodeUnsatisfiable  ErrorCode = "unsatisfiable"
	ErrCodeTooComplex     ErrorCode = "too_complex"
	ErrCodeState          ErrorCode = "invalid_state"
	ErrCodeGeneral        ErrorCode = "general"
)

var (
	ErrInvalidGrammar = errors.New("invalid grammar")
	// ErrNotStarted is returned when a driver operation precedes
	// ProcessPrompt.
	ErrNotStarted = errors.New("prompt not processed")
	ErrStopped    = errors.New("constraint stopped")
)

// ErrorResponse is the structured form of an error returned across the
// boundary.
type ErrorResponse struct {
	Message string         `json:"error"`
	Code    ErrorCode      `json:"code"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e ErrorResponse) Error() string {
	return e.Message
}

// StopError is the error state of a stopped constraint.
type StopError struct {
	Reason  StopReason
	Message string
}

func (e *StopError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stopped: %s", e.Reason)
	}
	return fmt.Sprintf("stopped (%s): %s", e.Reason, e.Message)
}

func (e *StopError) Is(target error) bool {
	return target == ErrStopped
}

// Code maps an error to its ErrorCode.
func Code(err error) ErrorCode {
	var stop *StopError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidGrammar):
		return ErrCodeInvalidGrammar
	case errors.As(err, &stop) && stop.Reason == TooComplex:
		return ErrCodeTooComplex
	case errors.Is(err, ErrNotStarted), errors.Is(err, ErrStopped):
		return ErrCodeState
	default:
		return ErrCodeGeneral
	}
}

// NewErrorResponse wraps err for callers.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{Message: err.Error(), Code: Code(err)}
}

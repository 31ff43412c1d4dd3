package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the closed set of client-facing error codes. The
// retryable flag is fixed per code: transient conditions are retryable,
// permanent ones are not.
type ErrorCode string

const (
	CodeDownloadFailed       ErrorCode = "DOWNLOAD_FAILED"
	CodeFFmpegNotFound       ErrorCode = "FFMPEG_NOT_FOUND"
	CodeTranscriptionFailed  ErrorCode = "TRANSCRIPTION_FAILED"
	CodeTranscriptionTimeout ErrorCode = "TRANSCRIPTION_TIMEOUT"
	CodeProjectNotFound      ErrorCode = "PROJECT_NOT_FOUND"
	CodeInvalidProjectState  ErrorCode = "INVALID_PROJECT_STATE"
	CodeSessionNotFound      ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionExpired       ErrorCode = "SESSION_EXPIRED"
	CodeSessionClosed        ErrorCode = "SESSION_CLOSED"
	CodeResourceNotFound     ErrorCode = "RESOURCE_NOT_FOUND"
	CodeFileNotFound         ErrorCode = "FILE_NOT_FOUND"
	CodeValidationError      ErrorCode = "VALIDATION_ERROR"
	CodeInvalidFormat        ErrorCode = "INVALID_FORMAT"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
	CodeServiceUnavailable   ErrorCode = "SERVICE_UNAVAILABLE"
	CodeRequestTimeout       ErrorCode = "REQUEST_TIMEOUT"
	CodeInternalError        ErrorCode = "INTERNAL_ERROR"
)

// retryableCodes marks the transient subset.
var retryableCodes = map[ErrorCode]bool{
	CodeDownloadFailed:       true,
	CodeTranscriptionTimeout: true,
	CodeRateLimited:          true,
	CodeServiceUnavailable:   true,
	CodeRequestTimeout:       true,
}

// Retryable reports whether the code represents a transient condition.
func (c ErrorCode) Retryable() bool {
	return retryableCodes[c]
}

// HTTPStatus maps the code to its transport status.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeSessionNotFound, CodeProjectNotFound, CodeResourceNotFound, CodeFileNotFound:
		return http.StatusNotFound
	case CodeValidationError, CodeInvalidFormat, CodeInvalidProjectState:
		return http.StatusBadRequest
	case CodeSessionExpired, CodeSessionClosed:
		return http.StatusGone
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case CodeRequestTimeout, CodeTranscriptionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the structured error surfaced to clients. It wraps an
// optional cause for errors.Is/errors.As chains.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
	Hint    string    `json:"hint,omitempty"`

	cause error
}

// NewAppError builds an AppError with the given code and message.
func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WithDetail attaches operator-facing detail and returns the error.
func (e *AppError) WithDetail(detail string) *AppError {
	e.Detail = detail
	return e
}

// WithHint attaches a user-facing hint and returns the error.
func (e *AppError) WithHint(hint string) *AppError {
	e.Hint = hint
	return e
}

// WithCause records the underlying error for unwrapping.
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// Retryable reports the fixed per-code retry classification.
func (e *AppError) Retryable() bool { return e.Code.Retryable() }

// AsAppError extracts an AppError from an error chain, or wraps the
// error as an INTERNAL_ERROR so callers never see raw failures.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	var app *AppError
	if errors.As(err, &app) {
		return app
	}
	return NewAppError(CodeInternalError, "internal error").WithDetail(err.Error()).WithCause(err)
}

// ErrorEnvelope is the JSON wire shape for failures.
type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody is the inner error object of the envelope.
type ErrorBody struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Hint      string    `json:"hint,omitempty"`
	Retryable bool      `json:"retryable"`
}

// Envelope renders the error in its client wire shape.
func (e *AppError) Envelope() ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorBody{
		Code:      e.Code,
		Message:   e.Message,
		Detail:    e.Detail,
		Hint:      e.Hint,
		Retryable: e.Retryable(),
	}}
}

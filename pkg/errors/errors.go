package errors

import (
	"errors"
	"fmt"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidKeyLength(msg string) error {
	return New(CodeInvalidKeyLength, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func UnknownRecipient(msg string) error {
	return New(CodeUnknownRecipient, msg)
}

func RateLimited(msg string) error {
	return New(CodeRateLimit, msg)
}

func Unauthorized(msg string) error {
	return New(CodeUnauthorized, msg)
}

func StoreUnavailable(msg string, cause error) error {
	return Wrap(CodeStoreUnavailable, msg, cause)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

// CodeOf extracts the application code from err, or CodeUnknown when err
// carries none.
func CodeOf(err error) Code {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return CodeUnknown
}

func Is(err, target error) bool { return errors.Is(err, target) }

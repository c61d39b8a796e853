package domain

import (
	"errors"
	"fmt"
)

// AuthError reports missing, invalid or expired credentials.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "not authorized"
	}
	return e.Message
}

// QuotaError is a Quota Gate denial.
type QuotaError struct {
	Reason  DenyReason
	Message string
}

func (e *QuotaError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "quota exceeded: " + string(e.Reason)
}

// FieldError names one invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports a request shape or file constraint violation.
type ValidationError struct {
	Message string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Fields) > 0 {
		return e.Fields[0].Message
	}
	return "validation failed"
}

// Engine error kinds.
const (
	EngineInvalidPDF  = "invalid-pdf"
	EngineEncrypted   = "encrypted"
	EngineRender      = "render"
	EngineUnsupported = "unsupported"
	EngineConvert     = "convert"
)

// EngineError wraps a PDF library failure, optionally tied to one input file.
type EngineError struct {
	Kind    string
	File    string
	Details string
	Err     error
}

func (e *EngineError) Error() string {
	msg := e.Kind
	if e.File != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.File)
	}
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// ServiceUnavailableError reports that the backend is down and no local path exists.
type ServiceUnavailableError struct {
	Message string
	Err     error
}

func (e *ServiceUnavailableError) Error() string {
	if e.Message == "" {
		return "service unavailable"
	}
	return e.Message
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Denied converts a rejected admission into a QuotaError.
func Denied(a Admission) *QuotaError {
	return &QuotaError{Reason: a.Reason, Message: DenyMessage(a.Reason)}
}

// DenyMessage is the user-facing text for a denial reason.
func DenyMessage(reason DenyReason) string {
	switch reason {
	case ReasonDailyLimit:
		return "Daily limit reached. Sign up or upgrade for more uploads."
	case ReasonPerOpSize:
		return "File exceeds the size limit for your plan."
	case ReasonDailyBytes:
		return "Daily upload volume reached. Try again tomorrow or upgrade."
	case ReasonPremiumExpired:
		return "Your premium plan has expired. Renew to continue."
	case ReasonTierRequired:
		return "This feature requires a premium plan."
	case ReasonRateLimited:
		return "Too many requests, please try again later."
	default:
		return "Usage limit reached."
	}
}

// IsAuth reports whether err is an AuthError.
func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsUnavailable reports whether err is a ServiceUnavailableError.
func IsUnavailable(err error) bool {
	var target *ServiceUnavailableError
	return errors.As(err, &target)
}

// Package errors provides the SDK error taxonomy. Every error carries a
// stable string code and a details map so hosts can branch on failures
// without parsing messages.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies an error category with a stable string value.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeConfiguration        Code = "CONFIGURATION_ERROR"
	CodeUsageLimitExceeded   Code = "USAGE_LIMIT_EXCEEDED"
	CodeSubscriptionExpired  Code = "SUBSCRIPTION_EXPIRED"
	CodeFeatureNotAvailable  Code = "FEATURE_NOT_AVAILABLE"
	CodePaymentFailed        Code = "PAYMENT_FAILED"
	CodePaymentRequired      Code = "PAYMENT_REQUIRED"
	CodeInvalidPaymentMethod Code = "INVALID_PAYMENT_METHOD"
	CodeStorage              Code = "STORAGE_ERROR"
	CodeProvider             Code = "PROVIDER_ERROR"
)

// AppError is the shared error envelope for the SDK.
type AppError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	parts := make([]string, 0, len(e.Details))
	for k, v := range e.Details {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, ", "))
}

// Unwrap returns the wrapped cause, if any.
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithDetail attaches a key-value pair to the error's details map.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause records the underlying error for errors.Is/As chains.
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

func newError(code Code, message string, details ...map[string]any) *AppError {
	var d map[string]any
	if len(details) > 0 {
		d = details[0]
	}
	return &AppError{Code: code, Message: message, Details: d}
}

// NewValidationError reports an input shape or invariant violation.
func NewValidationError(message string, details ...map[string]any) *AppError {
	return newError(CodeValidation, message, details...)
}

// NewConfigurationError reports bad constructor arguments or environment.
func NewConfigurationError(message string, details ...map[string]any) *AppError {
	return newError(CodeConfiguration, message, details...)
}

// NewUsageLimitExceededError reports an exhausted request quota.
func NewUsageLimitExceededError(message string, details ...map[string]any) *AppError {
	return newError(CodeUsageLimitExceeded, message, details...)
}

// NewSubscriptionExpiredError reports an access attempt on a lapsed subscription.
func NewSubscriptionExpiredError(message string, details ...map[string]any) *AppError {
	return newError(CodeSubscriptionExpired, message, details...)
}

// NewFeatureNotAvailableError reports a feature absent from the user's plan.
func NewFeatureNotAvailableError(message string, details ...map[string]any) *AppError {
	return newError(CodeFeatureNotAvailable, message, details...)
}

// NewPaymentFailedError reports a payment that was attempted and did not complete.
func NewPaymentFailedError(message string, details ...map[string]any) *AppError {
	return newError(CodePaymentFailed, message, details...)
}

// NewPaymentRequiredError reports an operation gated behind an unpaid balance.
func NewPaymentRequiredError(message string, details ...map[string]any) *AppError {
	return newError(CodePaymentRequired, message, details...)
}

// NewInvalidPaymentMethodError reports a provider/currency the deployment cannot honour.
func NewInvalidPaymentMethodError(message string, details ...map[string]any) *AppError {
	return newError(CodeInvalidPaymentMethod, message, details...)
}

// NewStorageError reports a persistence failure.
func NewStorageError(message string, details ...map[string]any) *AppError {
	return newError(CodeStorage, message, details...)
}

// NewProviderError reports a provider or RPC failure.
func NewProviderError(message string, details ...map[string]any) *AppError {
	return newError(CodeProvider, message, details...)
}

// NewDuplicateError reports an insert that collided with an existing record.
// The duplicate marker in the details map is what IsDuplicateError keys on.
func NewDuplicateError(message string, details ...map[string]any) *AppError {
	return newError(CodeStorage, message, details...).WithDetail("duplicate", true)
}

// GetAppError extracts an AppError from an error chain.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsAppError reports whether the error chain contains an AppError.
func IsAppError(err error) bool {
	return GetAppError(err) != nil
}

// HasCode reports whether the error chain contains an AppError with the given code.
func HasCode(err error, code Code) bool {
	appErr := GetAppError(err)
	return appErr != nil && appErr.Code == code
}

// IsValidationError reports whether err is a validation error.
func IsValidationError(err error) bool {
	return HasCode(err, CodeValidation)
}

// IsConfigurationError reports whether err is a configuration error.
func IsConfigurationError(err error) bool {
	return HasCode(err, CodeConfiguration)
}

// IsStorageError reports whether err is a storage error.
func IsStorageError(err error) bool {
	return HasCode(err, CodeStorage)
}

// IsProviderError reports whether err is a provider error.
func IsProviderError(err error) bool {
	return HasCode(err, CodeProvider)
}

// IsPaymentFailed reports whether err is a failed payment error.
func IsPaymentFailed(err error) bool {
	return HasCode(err, CodePaymentFailed)
}

// IsAccessDenied reports whether err belongs to the access-control family.
func IsAccessDenied(err error) bool {
	return HasCode(err, CodeUsageLimitExceeded) ||
		HasCode(err, CodeSubscriptionExpired) ||
		HasCode(err, CodeFeatureNotAvailable)
}

// IsDuplicateError checks if the error is a duplicate key error, either one
// of ours carrying the duplicate marker or a raw database driver error.
func IsDuplicateError(err error) bool {
	if err == nil {
		return false
	}
	if appErr := GetAppError(err); appErr != nil {
		if dup, ok := appErr.Details["duplicate"].(bool); ok && dup {
			return true
		}
	}
	errStr := err.Error()
	if strings.Contains(errStr, "UNIQUE constraint failed") {
		return true
	}
	if strings.Contains(errStr, "Duplicate entry") || strings.Contains(errStr, "duplicate key") {
		return true
	}
	return false
}

package billing

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes an authority call failure.
type ErrorCode string

const (
	CodeNetwork            ErrorCode = "network"
	CodeTimeout            ErrorCode = "timeout"
	CodePaymentDeclined    ErrorCode = "payment_declined"
	CodeProductUnavailable ErrorCode = "product_unavailable"
	CodeUserCancelled      ErrorCode = "user_cancelled"
	CodeVerification       ErrorCode = "verification_failed"
	CodeInternal           ErrorCode = "internal"
)

// AuthorityError is a structured error for billing authority operations.
type AuthorityError struct {
	Op         string // operation that failed, e.g. "current_entitlements"
	Code       ErrorCode
	StatusCode int // HTTP status if applicable
	Retryable  bool
	Err        error
}

func (e *AuthorityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("billing %s failed (%s): %v", e.Op, e.Code, e.Err)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("billing %s failed (%s): status %d", e.Op, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("billing %s failed (%s)", e.Op, e.Code)
}

func (e *AuthorityError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the error code from an authority error chain.
// Returns empty string for non-authority errors.
func CodeOf(err error) ErrorCode {
	var ae *AuthorityError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// IsRetryable reports whether the failure is transient per the authority
// client's own assessment. Non-authority errors are not retryable.
func IsRetryable(err error) bool {
	var ae *AuthorityError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

package entitlement

import (
	"fmt"
)

// ErrorKind is the closed taxonomy of user-facing purchase and refresh
// failures.
type ErrorKind string

const (
	KindTimeout            ErrorKind = "timeout"
	KindNetworkUnavailable ErrorKind = "network_unavailable"
	KindPaymentDeclined    ErrorKind = "payment_declined"
	KindProductUnavailable ErrorKind = "product_unavailable"
	KindUserCancelled      ErrorKind = "user_cancelled"
	KindVerificationFailed ErrorKind = "verification_failed"
	KindEntitlementRefresh ErrorKind = "entitlement_refresh_failed"
	KindUnknown            ErrorKind = "unknown"
)

// Retryable reports whether a refresh failing with this kind should be
// retried automatically. A declined payment will not succeed on retry.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindNetworkUnavailable
}

// UserMessage returns the advisory string shown to the user for this kind.
// User cancellation is an expected outcome, not a failure, so it produces no
// message at all.
func (k ErrorKind) UserMessage() string {
	switch k {
	case KindTimeout:
		return "The store took too long to respond. Please try again."
	case KindNetworkUnavailable:
		return "No network connection. Check your connection and try again."
	case KindPaymentDeclined:
		return "Your payment was declined. Please check your payment method."
	case KindProductUnavailable:
		return "This product is currently unavailable."
	case KindUserCancelled:
		return ""
	case KindVerificationFailed:
		return "The purchase could not be verified. Please try again later."
	case KindEntitlementRefresh:
		return "Could not confirm your membership status. Please try again later."
	default:
		return "Something went wrong. Please try again."
	}
}

// ResolutionError is a classified failure of an entitlement resolution.
type ResolutionError struct {
	Kind ErrorKind
	Err  error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("entitlement resolution failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("entitlement resolution failed (%s)", e.Kind)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func newResolutionError(kind ErrorKind, err error) *ResolutionError {
	return &ResolutionError{Kind: kind, Err: err}
}

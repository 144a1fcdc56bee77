package entitlement

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fithub/premium/pkg/billing"
)

func TestClassifyAuthorityCodesTakePriority(t *testing.T) {
	// The wrapped message mentions "network", but the typed authority code
	// must win over keyword matching.
	err := &billing.AuthorityError{
		Op:   "purchase",
		Code: billing.CodePaymentDeclined,
		Err:  errors.New("network gateway declined the card"),
	}
	assert.Equal(t, KindPaymentDeclined, Classify(err))
}

func TestClassifyTable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{
			name: "authority_timeout",
			err:  &billing.AuthorityError{Code: billing.CodeTimeout},
			want: KindTimeout,
		},
		{
			name: "authority_network",
			err:  &billing.AuthorityError{Code: billing.CodeNetwork},
			want: KindNetworkUnavailable,
		},
		{
			name: "authority_product_unavailable",
			err:  &billing.AuthorityError{Code: billing.CodeProductUnavailable},
			want: KindProductUnavailable,
		},
		{
			name: "authority_user_cancelled",
			err:  &billing.AuthorityError{Code: billing.CodeUserCancelled},
			want: KindUserCancelled,
		},
		{
			name: "authority_verification",
			err:  &billing.AuthorityError{Code: billing.CodeVerification},
			want: KindVerificationFailed,
		},
		{
			name: "context_deadline",
			err:  fmt.Errorf("fetch: %w", context.DeadlineExceeded),
			want: KindTimeout,
		},
		{
			name: "context_cancelled",
			err:  fmt.Errorf("fetch: %w", context.Canceled),
			want: KindUserCancelled,
		},
		{
			name: "connection_refused",
			err:  fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
			want: KindNetworkUnavailable,
		},
		{
			name: "keyword_network",
			err:  errors.New("The Network connection was lost"),
			want: KindNetworkUnavailable,
		},
		{
			name: "keyword_cancel",
			err:  errors.New("user Cancelled the payment sheet"),
			want: KindUserCancelled,
		},
		{
			name: "keyword_payment",
			err:  errors.New("card declined by issuer"),
			want: KindPaymentDeclined,
		},
		{
			name: "keyword_unavailable",
			err:  errors.New("product temporarily Unavailable"),
			want: KindProductUnavailable,
		},
		{
			name: "unknown",
			err:  errors.New("something odd happened"),
			want: KindUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyPassesThroughResolutionErrors(t *testing.T) {
	err := newResolutionError(KindTimeout, errors.New("slow store"))
	assert.Equal(t, KindTimeout, Classify(fmt.Errorf("refresh: %w", err)))
}

func TestUserMessages(t *testing.T) {
	// User cancellation is an expected outcome and must stay silent.
	assert.Empty(t, KindUserCancelled.UserMessage())

	for _, kind := range []ErrorKind{
		KindTimeout, KindNetworkUnavailable, KindPaymentDeclined,
		KindProductUnavailable, KindVerificationFailed,
		KindEntitlementRefresh, KindUnknown,
	} {
		assert.NotEmpty(t, kind.UserMessage(), "kind %s", kind)
	}
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, KindTimeout.Retryable())
	assert.True(t, KindNetworkUnavailable.Retryable())
	assert.False(t, KindPaymentDeclined.Retryable())
	assert.False(t, KindUserCancelled.Retryable())
	assert.False(t, KindVerificationFailed.Retryable())
}

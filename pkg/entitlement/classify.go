package entitlement

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/fithub/premium/pkg/billing"
)

// classificationRule maps a predicate over an error chain to an ErrorKind.
// Rules run in priority order; the first match wins. Keeping the rules in a
// table lets new billing-authority error codes be added without touching
// control flow.
type classificationRule struct {
	name  string
	match func(error) bool
	kind  ErrorKind
}

var classificationRules = []classificationRule{
	// Known billing-authority error codes come first.
	{name: "authority_timeout", match: matchesCode(billing.CodeTimeout), kind: KindTimeout},
	{name: "authority_network", match: matchesCode(billing.CodeNetwork), kind: KindNetworkUnavailable},
	{name: "authority_payment_declined", match: matchesCode(billing.CodePaymentDeclined), kind: KindPaymentDeclined},
	{name: "authority_product_unavailable", match: matchesCode(billing.CodeProductUnavailable), kind: KindProductUnavailable},
	{name: "authority_user_cancelled", match: matchesCode(billing.CodeUserCancelled), kind: KindUserCancelled},
	{name: "authority_verification", match: matchesCode(billing.CodeVerification), kind: KindVerificationFailed},

	// Transport-level error types.
	{name: "context_deadline", match: func(err error) bool {
		return errors.Is(err, context.DeadlineExceeded)
	}, kind: KindTimeout},
	{name: "context_cancelled", match: func(err error) bool {
		return errors.Is(err, context.Canceled)
	}, kind: KindUserCancelled},
	{name: "net_timeout", match: func(err error) bool {
		var netErr net.Error
		return errors.As(err, &netErr) && netErr.Timeout()
	}, kind: KindTimeout},
	{name: "connection_refused", match: func(err error) bool {
		return errors.Is(err, syscall.ECONNREFUSED) ||
			errors.Is(err, syscall.ECONNRESET) ||
			errors.Is(err, syscall.EHOSTUNREACH) ||
			errors.Is(err, syscall.ENETUNREACH)
	}, kind: KindNetworkUnavailable},
	{name: "dns_failure", match: func(err error) bool {
		var dnsErr *net.DNSError
		return errors.As(err, &dnsErr)
	}, kind: KindNetworkUnavailable},

	// Keyword fallback for errors that arrive as bare strings.
	{name: "keyword_cancel", match: matchesKeyword("cancel"), kind: KindUserCancelled},
	{name: "keyword_network", match: matchesKeyword("network", "connection", "offline"), kind: KindNetworkUnavailable},
	{name: "keyword_payment", match: matchesKeyword("payment", "declined", "billing"), kind: KindPaymentDeclined},
	{name: "keyword_unavailable", match: matchesKeyword("unavailable"), kind: KindProductUnavailable},
	{name: "keyword_timeout", match: matchesKeyword("timeout", "timed out"), kind: KindTimeout},
}

// Classify maps a raw failure to its user-facing kind. Nil classifies as
// Unknown; callers should not pass nil.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var re *ResolutionError
	if errors.As(err, &re) {
		return re.Kind
	}
	for _, rule := range classificationRules {
		if rule.match(err) {
			return rule.kind
		}
	}
	return KindUnknown
}

func matchesCode(code billing.ErrorCode) func(error) bool {
	return func(err error) bool {
		return billing.CodeOf(err) == code
	}
}

func matchesKeyword(keywords ...string) func(error) bool {
	return func(err error) bool {
		msg := strings.ToLower(err.Error())
		for _, kw := range keywords {
			if strings.Contains(msg, kw) {
				return true
			}
		}
		return false
	}
}

// Package entitlement reconciles the user's premium entitlement from the
// billing authority's transaction set, a locally persisted last-known-good
// record, and incoming purchase transactions.
package entitlement

import (
	"time"

	"github.com/fithub/premium/pkg/billing"
)

// MembershipTier is the ranked product category. Higher tiers win when
// multiple subscriptions are simultaneously active.
type MembershipTier string

const (
	TierFree     MembershipTier = "free"
	TierMonthly  MembershipTier = "monthly"
	TierYearly   MembershipTier = "yearly"
	TierLifetime MembershipTier = "lifetime"
)

// Rank returns the tier's position in the total order
// Free < Monthly < Yearly < Lifetime. Unknown tiers rank below Free.
func (t MembershipTier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierMonthly:
		return 1
	case TierYearly:
		return 2
	case TierLifetime:
		return 3
	default:
		return -1
	}
}

// Premium reports whether the tier grants paid features.
func (t MembershipTier) Premium() bool {
	return t.Rank() > TierFree.Rank()
}

// ParseTier normalizes a stored tier string. Unknown values map to Free so a
// corrupt cache can never grant paid features.
func ParseTier(s string) MembershipTier {
	switch MembershipTier(s) {
	case TierMonthly, TierYearly, TierLifetime:
		return MembershipTier(s)
	default:
		return TierFree
	}
}

// SourceKind distinguishes the evidentiary source of a premium entitlement.
type SourceKind string

const (
	SourceLifetime     SourceKind = "lifetime"
	SourceSubscription SourceKind = "subscription"
)

// Source records which transaction grants the entitlement.
type Source struct {
	Kind          SourceKind `json:"kind"`
	TransactionID string     `json:"transaction_id"`
	// ExpiresAt is nil for lifetime purchases and open-ended subscriptions.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	// WillAutoRenew is nil when the renewal status could not be determined.
	WillAutoRenew *bool `json:"will_auto_renew,omitempty"`
}

// Entitlement is the resolved answer. IsPremium is true exactly when Source
// is non-nil; use the constructors to preserve that invariant.
type Entitlement struct {
	IsPremium bool    `json:"is_premium"`
	Source    *Source `json:"source,omitempty"`
}

// Free returns the free entitlement.
func Free() Entitlement {
	return Entitlement{}
}

// Lifetime returns a premium entitlement backed by a lifetime purchase.
func Lifetime(transactionID string) Entitlement {
	return Entitlement{
		IsPremium: true,
		Source: &Source{
			Kind:          SourceLifetime,
			TransactionID: transactionID,
		},
	}
}

// Subscribed returns a premium entitlement backed by a subscription.
func Subscribed(transactionID string, expiresAt *time.Time, willAutoRenew *bool) Entitlement {
	return Entitlement{
		IsPremium: true,
		Source: &Source{
			Kind:          SourceSubscription,
			TransactionID: transactionID,
			ExpiresAt:     expiresAt,
			WillAutoRenew: willAutoRenew,
		},
	}
}

// Overlap flags a second, redundant auto-renewing subscription so the caller
// can prompt the user to cancel one. Among the overlapping subscriptions it
// reports the one with the furthest expiry, which is not necessarily the one
// that won the tier resolution.
type Overlap struct {
	Tier          MembershipTier `json:"tier"`
	TransactionID string         `json:"transaction_id"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
	WillAutoRenew *bool          `json:"will_auto_renew,omitempty"`
}

// Result is the outcome of one successful resolution.
type Result struct {
	Entitlement Entitlement
	Tier        MembershipTier
	// Overlap is nil unless at least two subscriptions are simultaneously
	// active and not known to be lapsing.
	Overlap *Overlap
}

// CachedRecord is the persisted last-known-good entitlement.
type CachedRecord struct {
	Entitlement     Entitlement    `json:"entitlement"`
	Tier            MembershipTier `json:"tier"`
	LastValidatedAt time.Time      `json:"last_validated_at"`
	// ExpiresAt is far-future for lifetime records and nil for free ones.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the cached record no longer grants anything.
// Records without an expiry (free tier) are treated as expired so they never
// win a grace-period check.
func (r *CachedRecord) Expired(now time.Time) bool {
	if r.ExpiresAt == nil {
		return true
	}
	return !r.ExpiresAt.After(now)
}

// subscriptionCandidate pairs a transaction with its resolved tier and
// renewal status during resolution.
type subscriptionCandidate struct {
	txn           billing.Transaction
	tier          MembershipTier
	willAutoRenew *bool
}

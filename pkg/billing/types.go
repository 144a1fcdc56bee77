// Package billing defines the client surface for the external billing
// authority: the transaction model, the query interface, an HTTP
// implementation, and the transaction-update push stream.
package billing

import "time"

// Transaction is a single purchase record reported by the billing authority.
type Transaction struct {
	// ID is the transaction identifier, unique per purchase or renewal.
	ID string `json:"id"`

	// ProductID identifies the purchased product.
	ProductID string `json:"product_id"`

	// OriginalID is the identifier of the first transaction in this
	// subscription lineage. Equal to ID for one-off purchases.
	OriginalID string `json:"original_transaction_id"`

	// ExpiresAt is nil for non-expiring grants (lifetime purchases,
	// open-ended subscriptions).
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// RevokedAt is set when the authority has revoked the transaction
	// (refund, family-sharing removal).
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the transaction grants anything at the given instant.
// A nil expiry is an open-ended grant.
func (t Transaction) Active(now time.Time) bool {
	if t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || t.ExpiresAt.After(now)
}

// HistoryPage is one page of the authority's historical transaction list.
type HistoryPage struct {
	Transactions []Transaction `json:"transactions"`
	// NextCursor is empty on the last page.
	NextCursor string `json:"next_cursor,omitempty"`
}

// TransactionUpdate is one event from the authority's push stream.
type TransactionUpdate struct {
	Transaction Transaction `json:"transaction"`
	// Reason is informational (e.g. "purchase", "renewal", "revocation").
	Reason     string    `json:"reason,omitempty"`
	ReceivedAt time.Time `json:"-"`
}

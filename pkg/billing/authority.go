package billing

import "context"

// Authority is the query surface of the external billing system of record.
// All calls honor context cancellation and deadlines; implementations must
// cancel the underlying network operation when the context is done, not
// merely stop waiting for it.
type Authority interface {
	// CurrentEntitlements returns the set of transactions that currently
	// entitle the user to something: active subscriptions and non-consumable
	// purchases. Revoked transactions may appear and must be filtered by the
	// caller.
	CurrentEntitlements(ctx context.Context) ([]Transaction, error)

	// RenewalStatus reports whether the subscription identified by its
	// original transaction ID will auto-renew. A nil result with nil error
	// means the authority does not know.
	RenewalStatus(ctx context.Context, originalID string) (*bool, error)

	// TransactionHistory returns one page of the complete historical
	// transaction list. Pass an empty cursor for the first page.
	TransactionHistory(ctx context.Context, cursor string) (HistoryPage, error)

	// Purchase runs the authority's purchase flow for a product and returns
	// the resulting transaction.
	Purchase(ctx context.Context, productID string) (Transaction, error)

	// FinishTransaction acknowledges a delivered transaction so the
	// authority stops re-delivering it on the update stream.
	FinishTransaction(ctx context.Context, transactionID string) error
}

// UpdateSource delivers transaction-update events pushed by the authority.
type UpdateSource interface {
	// Updates returns the delivery channel. The channel is closed when the
	// source's run loop exits.
	Updates() <-chan TransactionUpdate
}

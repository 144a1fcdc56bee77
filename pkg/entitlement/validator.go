package entitlement

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fithub/premium/internal/metrics"
	"github.com/fithub/premium/pkg/billing"
)

// maxHistoryPages bounds the historical scan so a misbehaving authority
// cannot keep the validator paging forever.
const maxHistoryPages = 50

// Validator confirms that a transaction really exists at the billing
// authority before anything is credited for it. The referral tracker calls
// it before attributing a purchase to a code.
type Validator struct {
	authority billing.Authority
	logger    zerolog.Logger
	now       func() time.Time
}

// NewValidator creates a validator over the given authority.
func NewValidator(authority billing.Authority, logger zerolog.Logger) *Validator {
	return &Validator{
		authority: authority,
		logger:    logger.With().Str("component", "transaction_validator").Logger(),
		now:       time.Now,
	}
}

// Validate reports whether the transaction exists, matches the expected
// product and lineage, and has not been revoked. Current entitlements are
// checked first (the common case for fresh purchases); restored or delayed
// purchases fall back to the complete historical list. An expired but
// unrevoked subscription is still valid: attribution of a past purchase is
// not denied merely because the subscription has since lapsed.
func (v *Validator) Validate(ctx context.Context, transactionID, originalID, productID string) (bool, error) {
	txns, err := v.authority.CurrentEntitlements(ctx)
	if err != nil {
		metrics.ValidationTotal.WithLabelValues("error").Inc()
		return false, err
	}
	if txn, found := findTransaction(txns, transactionID); found {
		return v.verdict(txn, originalID, productID), nil
	}

	// Rare case: not among current entitlements, scan history.
	cursor := ""
	for page := 0; page < maxHistoryPages; page++ {
		history, err := v.authority.TransactionHistory(ctx, cursor)
		if err != nil {
			metrics.ValidationTotal.WithLabelValues("error").Inc()
			return false, err
		}
		if txn, found := findTransaction(history.Transactions, transactionID); found {
			return v.verdict(txn, originalID, productID), nil
		}
		cursor = history.NextCursor
		if cursor == "" {
			break
		}
	}

	v.logger.Info().Str("transaction_id", transactionID).Msg("Transaction not found at billing authority")
	metrics.ValidationTotal.WithLabelValues("invalid").Inc()
	return false, nil
}

func (v *Validator) verdict(txn billing.Transaction, originalID, productID string) bool {
	logger := v.logger.With().Str("transaction_id", txn.ID).Logger()

	switch {
	case txn.ProductID != productID:
		logger.Info().
			Str("expected_product", productID).
			Str("actual_product", txn.ProductID).
			Msg("Transaction product mismatch")
		metrics.ValidationTotal.WithLabelValues("invalid").Inc()
		return false
	case txn.RevokedAt != nil:
		logger.Info().Time("revoked_at", *txn.RevokedAt).Msg("Transaction was revoked")
		metrics.ValidationTotal.WithLabelValues("invalid").Inc()
		return false
	case txn.OriginalID != originalID:
		logger.Info().
			Str("expected_original_id", originalID).
			Str("actual_original_id", txn.OriginalID).
			Msg("Transaction lineage mismatch")
		metrics.ValidationTotal.WithLabelValues("invalid").Inc()
		return false
	}

	if txn.ExpiresAt != nil && !txn.ExpiresAt.After(v.now()) {
		logger.Info().Time("expired_at", *txn.ExpiresAt).Msg("Transaction valid but subscription has lapsed")
	}
	metrics.ValidationTotal.WithLabelValues("valid").Inc()
	return true
}

func findTransaction(txns []billing.Transaction, id string) (billing.Transaction, bool) {
	for _, txn := range txns {
		if txn.ID == id {
			return txn, true
		}
	}
	return billing.Transaction{}, false
}

// Package referral credits validated purchase transactions to referral
// codes. It owns only the storage-facing attribution record; code generation
// and payout bookkeeping live with the affiliate service.
package referral

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fithub/premium/pkg/billing"
	"github.com/fithub/premium/pkg/entitlement"
)

const attributionKeyPrefix = "referral:attribution:"

// transactionValidator is satisfied by *entitlement.Validator.
type transactionValidator interface {
	Validate(ctx context.Context, transactionID, originalID, productID string) (bool, error)
}

// Store is the persistence needed for attribution records. Satisfied by
// internal/store.Store.
type Store interface {
	Get(key string) (string, bool, error)
	SetIfAbsent(key, value string) (bool, error)
}

// Attribution is one credited purchase.
type Attribution struct {
	Code          string                    `json:"code"`
	TransactionID string                    `json:"transaction_id"`
	ProductID     string                    `json:"product_id"`
	Tier          entitlement.MembershipTier `json:"tier"`
	AttributedAt  time.Time                 `json:"attributed_at"`
}

// Tracker validates transactions before crediting them to a code.
type Tracker struct {
	validator transactionValidator
	store     Store
	catalog   entitlement.Catalog
	logger    zerolog.Logger
	now       func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(validator transactionValidator, store Store, catalog entitlement.Catalog, logger zerolog.Logger) *Tracker {
	return &Tracker{
		validator: validator,
		store:     store,
		catalog:   catalog,
		logger:    logger.With().Str("component", "referral_tracker").Logger(),
		now:       time.Now,
	}
}

// Attribute credits the transaction to the referral code after validating it
// against the billing authority. A transaction that fails validation is
// logged and skipped, never an error: attribution problems must not abort
// the purchase flow. Attribution is idempotent per transaction ID.
// Returns whether the transaction was credited.
func (t *Tracker) Attribute(ctx context.Context, code string, txn billing.Transaction) (bool, error) {
	logger := t.logger.With().
		Str("code", code).
		Str("transaction_id", txn.ID).
		Logger()

	valid, err := t.validator.Validate(ctx, txn.ID, txn.OriginalID, txn.ProductID)
	if err != nil {
		logger.Warn().Err(err).Msg("Could not validate transaction, skipping attribution")
		return false, nil
	}
	if !valid {
		logger.Info().Msg("Transaction failed validation, skipping attribution")
		return false, nil
	}

	tier, _ := t.catalog.TierFor(txn.ProductID)
	record := Attribution{
		Code:          code,
		TransactionID: txn.ID,
		ProductID:     txn.ProductID,
		Tier:          tier,
		AttributedAt:  t.now().UTC(),
	}
	blob, err := json.Marshal(record)
	if err != nil {
		return false, fmt.Errorf("encode attribution: %w", err)
	}

	written, err := t.store.SetIfAbsent(attributionKeyPrefix+txn.ID, string(blob))
	if err != nil {
		return false, fmt.Errorf("persist attribution: %w", err)
	}
	if !written {
		logger.Debug().Msg("Transaction already attributed")
		return false, nil
	}

	logger.Info().Str("product_id", txn.ProductID).Msg("Purchase attributed to referral code")
	return true, nil
}

// Lookup returns the attribution for a transaction, or nil when it was never
// credited.
func (t *Tracker) Lookup(transactionID string) (*Attribution, error) {
	blob, ok, err := t.store.Get(attributionKeyPrefix + transactionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var record Attribution
	if err := json.Unmarshal([]byte(blob), &record); err != nil {
		return nil, fmt.Errorf("decode attribution: %w", err)
	}
	return &record, nil
}

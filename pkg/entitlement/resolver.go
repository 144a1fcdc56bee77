package entitlement

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fithub/premium/pkg/billing"
)

const (
	defaultFetchTimeout   = 30 * time.Second
	defaultRenewalTimeout = 10 * time.Second
)

// ResolverConfig bounds the resolver's external calls. Zero values use the
// defaults.
type ResolverConfig struct {
	// FetchTimeout is the hard deadline on the current-entitlements fetch.
	FetchTimeout time.Duration
	// RenewalTimeout bounds each renewal-status sub-query independently.
	RenewalTimeout time.Duration
}

// Resolver queries the billing authority's current entitlements and resolves
// the best one under the tier ordering.
type Resolver struct {
	authority billing.Authority
	catalog   Catalog
	cfg       ResolverConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// NewResolver creates a resolver over the given authority.
func NewResolver(authority billing.Authority, catalog Catalog, cfg ResolverConfig, logger zerolog.Logger) *Resolver {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.RenewalTimeout <= 0 {
		cfg.RenewalTimeout = defaultRenewalTimeout
	}
	return &Resolver{
		authority: authority,
		catalog:   catalog,
		cfg:       cfg,
		logger:    logger.With().Str("component", "entitlement_resolver").Logger(),
		now:       time.Now,
	}
}

// Resolve fetches the current entitlement set and reduces it to the best
// entitlement plus any redundant-subscription overlap. The fetch is bounded
// by FetchTimeout; cancellation reaches the underlying network call.
func (r *Resolver) Resolve(ctx context.Context) (Result, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	txns, err := r.authority.CurrentEntitlements(fetchCtx)
	if err != nil {
		kind := Classify(err)
		if kind == KindUnknown {
			kind = KindEntitlementRefresh
		}
		return Result{}, newResolutionError(kind, err)
	}

	now := r.now()

	// Lifetime supersedes any subscription, so it is resolved before any
	// subscription processing happens.
	for _, txn := range txns {
		if txn.RevokedAt != nil {
			continue
		}
		tier, ok := r.catalog.TierFor(txn.ProductID)
		if !ok {
			continue
		}
		if tier == TierLifetime {
			r.logger.Debug().Str("transaction_id", txn.ID).Msg("Lifetime purchase found")
			return Result{
				Entitlement: Lifetime(txn.ID),
				Tier:        TierLifetime,
			}, nil
		}
	}

	var (
		best     *subscriptionCandidate
		renewing []subscriptionCandidate
	)

	for _, txn := range txns {
		if txn.RevokedAt != nil {
			r.logger.Debug().Str("transaction_id", txn.ID).Msg("Skipping revoked transaction")
			continue
		}
		tier, ok := r.catalog.TierFor(txn.ProductID)
		if !ok {
			r.logger.Warn().
				Str("transaction_id", txn.ID).
				Str("product_id", txn.ProductID).
				Msg("Skipping transaction with unrecognized product")
			continue
		}
		if tier == TierLifetime {
			continue // handled above
		}
		if !txn.Active(now) {
			continue
		}

		candidate := subscriptionCandidate{
			txn:           txn,
			tier:          tier,
			willAutoRenew: r.renewalStatus(ctx, txn),
		}

		// Strictly-higher tier wins; among equal tiers the first seen stays.
		if best == nil || candidate.tier.Rank() > best.tier.Rank() {
			c := candidate
			best = &c
		}

		// Subscriptions not known to be lapsing are double-billing
		// candidates regardless of which one wins the tier resolution.
		if candidate.willAutoRenew == nil || *candidate.willAutoRenew {
			renewing = append(renewing, candidate)
		}
	}

	result := Result{
		Entitlement: Free(),
		Tier:        TierFree,
	}
	if best != nil {
		result.Entitlement = Subscribed(best.txn.ID, best.txn.ExpiresAt, best.willAutoRenew)
		result.Tier = best.tier
	}
	if len(renewing) >= 2 {
		furthest := furthestExpiring(renewing)
		result.Overlap = &Overlap{
			Tier:          furthest.tier,
			TransactionID: furthest.txn.ID,
			ExpiresAt:     furthest.txn.ExpiresAt,
			WillAutoRenew: furthest.willAutoRenew,
		}
		r.logger.Info().
			Int("count", len(renewing)).
			Str("furthest_transaction_id", furthest.txn.ID).
			Msg("Multiple auto-renewing subscriptions active")
	}

	return result, nil
}

// renewalStatus resolves the auto-renew flag for one subscription under its
// own timeout. Failure or timeout yields unknown; it never fails the
// resolution.
func (r *Resolver) renewalStatus(ctx context.Context, txn billing.Transaction) *bool {
	subCtx, cancel := context.WithTimeout(ctx, r.cfg.RenewalTimeout)
	defer cancel()

	status, err := r.authority.RenewalStatus(subCtx, txn.OriginalID)
	if err != nil {
		r.logger.Debug().Err(err).
			Str("original_transaction_id", txn.OriginalID).
			Msg("Renewal status unavailable")
		return nil
	}
	return status
}

// furthestExpiring picks the candidate with the latest expiry; a nil expiry
// is open-ended and beats every dated one.
func furthestExpiring(candidates []subscriptionCandidate) subscriptionCandidate {
	furthest := candidates[0]
	for _, c := range candidates[1:] {
		if expiresLater(c.txn.ExpiresAt, furthest.txn.ExpiresAt) {
			furthest = c
		}
	}
	return furthest
}

func expiresLater(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	return a.After(*b)
}

package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/fithub/premium/internal/metrics"
	"github.com/fithub/premium/pkg/billing"
)

const (
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 2 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
	defaultGraceWindow    = 30 * time.Minute
)

// degradedMessage is the advisory shown when the subsystem falls back to the
// cached entitlement.
const degradedMessage = "Using your last known membership status. We'll reconnect to the store when possible."

// resolver is satisfied by *Resolver and by test fakes.
type resolver interface {
	Resolve(ctx context.Context) (Result, error)
}

// ControllerConfig tunes retry and degradation behavior. Zero values use the
// defaults.
type ControllerConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// RetryBaseDelay scales the linear backoff: delay n is (n+1) * base,
	// capped at RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// GraceWindow bounds how long a stale cached record is still trusted
	// after its last confirmed validation.
	GraceWindow time.Duration
}

func (cfg *ControllerConfig) applyDefaults() {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
}

// State is a snapshot of the published entitlement state.
type State struct {
	Entitlement  Entitlement
	Tier         MembershipTier
	Overlap      *Overlap
	ErrorMessage string
}

// Controller owns the public refresh entry point. It drives the resolver
// behind bounded backoff, degrades to the persistent cache when retries are
// exhausted, and consumes the billing authority's transaction-update stream.
// It never surfaces an error to its callers: every refresh ends with a
// published (possibly degraded) entitlement plus an advisory message.
type Controller struct {
	resolver  resolver
	cache     *Cache
	authority billing.Authority
	updates   billing.UpdateSource
	cfg       ControllerConfig
	logger    zerolog.Logger

	// group coalesces concurrent refresh callers into one in-flight
	// resolution.
	group singleflight.Group

	// sleep is replaced in tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu      sync.RWMutex
	seq     uint64 // next sequence number handed to a refresh
	applied uint64 // sequence of the last applied result
	state   State
}

// NewController wires the controller. updates may be nil when no push stream
// is available (the CLI case); Run then only waits for cancellation.
func NewController(res resolver, cache *Cache, authority billing.Authority, updates billing.UpdateSource, cfg ControllerConfig, logger zerolog.Logger) *Controller {
	cfg.applyDefaults()
	return &Controller{
		resolver:  res,
		cache:     cache,
		authority: authority,
		updates:   updates,
		cfg:       cfg,
		logger:    logger.With().Str("component", "entitlement_controller").Logger(),
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// Entitlement returns the published entitlement.
func (c *Controller) Entitlement() Entitlement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Entitlement
}

// MembershipTier returns the published tier.
func (c *Controller) MembershipTier() MembershipTier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.Tier == "" {
		return TierFree
	}
	return c.state.Tier
}

// Overlap returns the published redundant-subscription warning, if any.
func (c *Controller) Overlap() *Overlap {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Overlap
}

// ErrorMessage returns the published advisory message, empty when the last
// refresh succeeded or the failure was a user cancellation.
func (c *Controller) ErrorMessage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.ErrorMessage
}

// Snapshot returns the whole published state at once.
func (c *Controller) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// RefreshEntitlement resolves the current entitlement and publishes the
// outcome. Concurrent callers are coalesced into a single resolution; the
// call returns once that resolution (including retries and cache fallback)
// has completed. It never returns an error.
func (c *Controller) RefreshEntitlement(ctx context.Context) {
	c.group.Do("refresh", func() (interface{}, error) {
		c.refresh(ctx)
		return nil, nil
	})
}

// OnAppForeground is called by the app shell when the app returns to the
// foreground.
func (c *Controller) OnAppForeground(ctx context.Context) {
	c.RefreshEntitlement(ctx)
}

// Buy runs the authority's purchase flow for a product, finalizes the
// transaction, and refreshes the entitlement. A user cancellation is an
// expected outcome: it clears the advisory message and returns nil.
func (c *Controller) Buy(ctx context.Context, productID string) error {
	txn, err := c.authority.Purchase(ctx, productID)
	if err != nil {
		kind := Classify(err)
		c.setErrorMessage(kind.UserMessage())
		if kind == KindUserCancelled {
			c.logger.Debug().Str("product_id", productID).Msg("Purchase cancelled by user")
			return nil
		}
		c.logger.Warn().Err(err).Str("product_id", productID).Str("kind", string(kind)).Msg("Purchase failed")
		return err
	}

	if err := c.authority.FinishTransaction(ctx, txn.ID); err != nil {
		c.logger.Warn().Err(err).Str("transaction_id", txn.ID).Msg("Failed to finalize purchased transaction")
	}
	c.RefreshEntitlement(ctx)
	return nil
}

// Run consumes the transaction-update push stream for the lifetime of ctx.
// Each delivery is finalized and then triggers a refresh; a failure handling
// one delivery never stops consumption of subsequent ones.
func (c *Controller) Run(ctx context.Context) {
	if c.updates == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-c.updates.Updates():
			if !ok {
				return
			}
			c.handleUpdate(ctx, update)
		}
	}
}

func (c *Controller) handleUpdate(ctx context.Context, update billing.TransactionUpdate) {
	metrics.StreamUpdates.Inc()
	c.logger.Debug().
		Str("transaction_id", update.Transaction.ID).
		Str("reason", update.Reason).
		Msg("Transaction update received")

	if err := c.authority.FinishTransaction(ctx, update.Transaction.ID); err != nil {
		c.logger.Warn().Err(err).
			Str("transaction_id", update.Transaction.ID).
			Msg("Failed to finalize transaction update")
	}
	c.RefreshEntitlement(ctx)
}

// refresh runs the Idle -> Attempting(n) -> {Success | Degraded} machine.
// The attempt counter is ephemeral and resets on every entry.
func (c *Controller) refresh(ctx context.Context) {
	seq := c.nextSeq()

	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := c.resolver.Resolve(ctx)
		if err == nil {
			c.commit(seq, result)
			return
		}
		lastErr = err

		kind := Classify(err)
		if kind == KindUserCancelled {
			// The caller went away; leave the published state untouched.
			c.logger.Debug().Msg("Refresh cancelled")
			return
		}
		if !kind.Retryable() {
			c.logger.Warn().Err(err).Str("kind", string(kind)).Msg("Refresh failed with non-retryable error")
			break
		}
		if attempt >= c.cfg.MaxRetries {
			c.logger.Warn().Err(err).Int("attempts", attempt+1).Msg("Refresh retries exhausted")
			break
		}

		delay := c.retryDelay(attempt)
		metrics.RetryAttempts.Inc()
		c.logger.Debug().Err(err).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Refresh failed, retrying")
		if err := c.sleep(ctx, delay); err != nil {
			return
		}
	}

	c.degrade(seq, lastErr)
}

// retryDelay is linear and capped: 2s, 4s, 6s with the defaults, never more
// than RetryMaxDelay.
func (c *Controller) retryDelay(attempt int) time.Duration {
	delay := time.Duration(attempt+1) * c.cfg.RetryBaseDelay
	if delay > c.cfg.RetryMaxDelay {
		delay = c.cfg.RetryMaxDelay
	}
	return delay
}

// commit publishes a successful resolution and writes it through the cache.
// The cache is only ever written here: degraded answers are never persisted.
func (c *Controller) commit(seq uint64, result Result) {
	if !c.publish(seq, State{
		Entitlement: result.Entitlement,
		Tier:        result.Tier,
		Overlap:     result.Overlap,
	}) {
		return
	}
	metrics.RefreshTotal.WithLabelValues("success").Inc()

	if err := c.cache.Save(result.Entitlement, result.Tier); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to persist validated entitlement")
	}
	c.logger.Info().
		Bool("premium", result.Entitlement.IsPremium).
		Str("tier", string(result.Tier)).
		Msg("Entitlement refreshed")
}

// degrade reads the cache and publishes a best-effort answer. A premium,
// unexpired record is adopted outright; otherwise a record with a paid tier
// is trusted within the grace window since its last confirmed validation;
// otherwise the user is free.
func (c *Controller) degrade(seq uint64, cause error) {
	record, err := c.cache.Load()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read entitlement cache")
	}
	now := c.now()

	if record != nil {
		if record.Entitlement.IsPremium && !record.Expired(now) {
			c.adoptCached(seq, record, "cached")
			return
		}
		if now.Sub(record.LastValidatedAt) < c.cfg.GraceWindow &&
			record.Tier != TierFree && !record.Expired(now) {
			c.adoptCached(seq, record, "grace")
			return
		}
	}

	kind := Classify(cause)
	if kind == KindUnknown {
		kind = KindEntitlementRefresh
	}
	if c.publish(seq, State{
		Entitlement:  Free(),
		Tier:         TierFree,
		ErrorMessage: kind.UserMessage(),
	}) {
		metrics.RefreshTotal.WithLabelValues("degraded_free").Inc()
		c.logger.Warn().Str("kind", string(kind)).Msg("Entitlement degraded to free")
	}
}

func (c *Controller) adoptCached(seq uint64, record *CachedRecord, mode string) {
	ent := record.Entitlement
	if !ent.IsPremium {
		// Grace adoption of a record whose entitlement blob is missing or
		// desynced from the stored tier: reconstruct from the tier.
		ent = entitlementForTier(record.Tier, record.ExpiresAt)
	}
	if c.publish(seq, State{
		Entitlement:  ent,
		Tier:         record.Tier,
		ErrorMessage: degradedMessage,
	}) {
		metrics.RefreshTotal.WithLabelValues("degraded_cache").Inc()
		c.logger.Info().
			Str("tier", string(record.Tier)).
			Str("mode", mode).
			Time("last_validated_at", record.LastValidatedAt).
			Msg("Adopted cached entitlement")
	}
}

// publish applies a refresh result under the sequence guard: a result from
// an older refresh never overwrites a newer one. Returns whether the state
// was applied.
func (c *Controller) publish(seq uint64, state State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq < c.applied {
		return false
	}
	c.applied = seq
	c.state = state
	return true
}

func (c *Controller) setErrorMessage(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ErrorMessage = msg
}

func (c *Controller) nextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func entitlementForTier(tier MembershipTier, expiresAt *time.Time) Entitlement {
	switch tier {
	case TierLifetime:
		return Lifetime("")
	case TierMonthly, TierYearly:
		return Subscribed("", expiresAt, nil)
	default:
		return Free()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

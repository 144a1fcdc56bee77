package entitlement

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// KV is the string-keyed persistent store backing the cache. Satisfied by
// internal/store.Store.
type KV interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

const (
	keyEntitlement   = "premium:entitlement"
	keyTier          = "premium:tier"
	keyLastValidated = "premium:last_validated_at"
	keyExpiresAt     = "premium:expires_at"
)

// maxCachedExpiry stands in for "never expires" on lifetime records.
var maxCachedExpiry = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Cache persists the last successfully validated entitlement so the
// controller can degrade gracefully when the billing authority is
// unreachable. The controller is its only writer and reader.
type Cache struct {
	kv     KV
	logger zerolog.Logger
	now    func() time.Time
}

// NewCache creates a cache over the given store.
func NewCache(kv KV, logger zerolog.Logger) *Cache {
	return &Cache{
		kv:     kv,
		logger: logger.With().Str("component", "entitlement_cache").Logger(),
		now:    time.Now,
	}
}

// Save records a validated entitlement, stamping the validation time.
// Lifetime records get a far-future expiry; free records drop any stored
// expiry entirely so a stale one cannot leak into later grace-period checks.
func (c *Cache) Save(ent Entitlement, tier MembershipTier) error {
	blob, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("encode entitlement: %w", err)
	}
	if err := c.kv.Set(keyEntitlement, string(blob)); err != nil {
		return err
	}
	if err := c.kv.Set(keyTier, string(tier)); err != nil {
		return err
	}
	if err := c.kv.Set(keyLastValidated, c.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}

	switch {
	case tier == TierLifetime:
		return c.kv.Set(keyExpiresAt, maxCachedExpiry.Format(time.RFC3339Nano))
	case ent.Source != nil && ent.Source.ExpiresAt != nil:
		return c.kv.Set(keyExpiresAt, ent.Source.ExpiresAt.UTC().Format(time.RFC3339Nano))
	case tier == TierFree:
		return c.kv.Delete(keyExpiresAt)
	default:
		// Premium source without a known expiry (open-ended subscription):
		// treat like lifetime so the record stays adoptable.
		return c.kv.Set(keyExpiresAt, maxCachedExpiry.Format(time.RFC3339Nano))
	}
}

// Load returns the cached record, or nil when nothing has been saved.
func (c *Cache) Load() (*CachedRecord, error) {
	blob, ok, err := c.kv.Get(keyEntitlement)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var record CachedRecord
	if err := json.Unmarshal([]byte(blob), &record.Entitlement); err != nil {
		c.logger.Warn().Err(err).Msg("Discarding unreadable cached entitlement")
		return nil, nil
	}

	tierStr, _, err := c.kv.Get(keyTier)
	if err != nil {
		return nil, err
	}
	record.Tier = ParseTier(tierStr)

	if stamp, ok, err := c.kv.Get(keyLastValidated); err != nil {
		return nil, err
	} else if ok {
		if t, perr := time.Parse(time.RFC3339Nano, stamp); perr == nil {
			record.LastValidatedAt = t
		}
	}

	if stamp, ok, err := c.kv.Get(keyExpiresAt); err != nil {
		return nil, err
	} else if ok {
		if t, perr := time.Parse(time.RFC3339Nano, stamp); perr == nil {
			record.ExpiresAt = &t
		}
	}

	return &record, nil
}

// Clear removes the cached record.
func (c *Cache) Clear() error {
	for _, key := range []string{keyEntitlement, keyTier, keyLastValidated, keyExpiresAt} {
		if err := c.kv.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

package entitlement

// Catalog maps billing product IDs to membership tiers.
type Catalog map[string]MembershipTier

// DefaultCatalog covers the products sold today.
func DefaultCatalog() Catalog {
	return Catalog{
		"com.fithub.premium.monthly":  TierMonthly,
		"com.fithub.premium.yearly":   TierYearly,
		"com.fithub.premium.lifetime": TierLifetime,
	}
}

// TierFor returns the tier for a product ID. The second result is false for
// unrecognized products, which resolution skips with a warning.
func (c Catalog) TierFor(productID string) (MembershipTier, bool) {
	tier, ok := c[productID]
	return tier, ok
}

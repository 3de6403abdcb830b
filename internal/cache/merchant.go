package cache

import (
	"time"

	"github.com/rielpay/payverify/internal/model"
)

const (
	// DefaultMerchantTTL is longer than the issuer TTL: merchant overlays
	// change rarely and reloads are per-tenant.
	DefaultMerchantTTL = 24 * time.Hour

	// DefaultMaxMerchantPatterns caps entries per (tenant, issuer) pair.
	DefaultMaxMerchantPatterns = 10
)

// MerchantCache holds per-tenant refinements layered on top of issuer
// templates. Keys combine tenant and issuer, so a lookup for one tenant can
// never return patterns learned under another.
type MerchantCache struct {
	core       *ttlCache[*model.MerchantPatternSet]
	maxEntries int
}

// NewMerchantCache creates a merchant cache. Zero values select the
// defaults.
func NewMerchantCache(ttl, sweepInterval time.Duration, maxEntries int) *MerchantCache {
	if ttl <= 0 {
		ttl = DefaultMerchantTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxMerchantPatterns
	}
	return &MerchantCache{
		core:       newTTLCache[*model.MerchantPatternSet](ttl, sweepInterval),
		maxEntries: maxEntries,
	}
}

func merchantKey(tenantID, issuerCode string) string {
	return tenantID + "/" + issuerCode
}

// Get returns the cached pattern set for a (tenant, issuer) pair or nil on
// a miss.
func (c *MerchantCache) Get(tenantID, issuerCode string) *model.MerchantPatternSet {
	if tenantID == "" {
		return nil
	}
	s, ok := c.core.get(merchantKey(tenantID, issuerCode))
	if !ok {
		return nil
	}
	return s
}

// Set stores a pattern set, replacing any previous value.
func (c *MerchantCache) Set(tenantID, issuerCode string, s *model.MerchantPatternSet) {
	c.core.set(merchantKey(tenantID, issuerCode), s)
}

// Add layers one new merchant pattern into the cached set, creating the set
// when absent. The entry cap is re-applied, oldest entries evicted first.
func (c *MerchantCache) Add(tenantID, issuerCode string, p model.MerchantPattern) {
	key := merchantKey(tenantID, issuerCode)
	updated := c.core.replace(key, func(s *model.MerchantPatternSet) *model.MerchantPatternSet {
		return s.WithAdded(p, c.maxEntries)
	})
	if !updated {
		base := &model.MerchantPatternSet{TenantID: tenantID, IssuerCode: issuerCode}
		c.core.set(key, base.WithAdded(p, c.maxEntries))
	}
}

// RecordUse updates the exponential usage counters for the pattern matching
// the given regex.
func (c *MerchantCache) RecordUse(tenantID, issuerCode, regex string, success bool) {
	c.core.replace(merchantKey(tenantID, issuerCode), func(s *model.MerchantPatternSet) *model.MerchantPatternSet {
		patterns := make([]model.MerchantPattern, len(s.Patterns))
		for i, p := range s.Patterns {
			if p.Regex == regex {
				patterns[i] = p.RecordUse(success)
			} else {
				patterns[i] = p
			}
		}
		return &model.MerchantPatternSet{
			TenantID:   s.TenantID,
			IssuerCode: s.IssuerCode,
			Patterns:   patterns,
		}
	})
}

// Invalidate drops one (tenant, issuer) pair.
func (c *MerchantCache) Invalidate(tenantID, issuerCode string) {
	c.core.invalidate(merchantKey(tenantID, issuerCode))
}

// InvalidateAll forces a cold reload for every tenant.
func (c *MerchantCache) InvalidateAll() { c.core.invalidateAll() }

// CleanupExpired evicts expired entries and returns the count removed.
func (c *MerchantCache) CleanupExpired() int { return c.core.cleanupExpired() }

// ShouldCleanup reports whether enough time has passed since the last sweep.
func (c *MerchantCache) ShouldCleanup() bool { return c.core.shouldCleanup() }

// Info returns the admin stats snapshot.
func (c *MerchantCache) Info() Info { return c.core.info() }

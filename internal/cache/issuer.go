package cache

import (
	"time"

	"github.com/rielpay/payverify/internal/model"
)

const (
	// DefaultIssuerTTL bounds how long an issuer template is served without
	// a reload from the durable store.
	DefaultIssuerTTL = time.Hour

	// DefaultSweepInterval gates the periodic expired-entry sweep.
	DefaultSweepInterval = 30 * time.Minute

	// DefaultMaxPatternsPerField caps patterns retained per field type.
	DefaultMaxPatternsPerField = 8
)

// IssuerCache holds per-issuer extraction templates mirrored from the
// durable store. The store is the source of truth; this cache is a
// disposable projection.
type IssuerCache struct {
	core        *ttlCache[*model.IssuerTemplate]
	maxPerField int
}

// NewIssuerCache creates an issuer cache. Zero values select the defaults.
func NewIssuerCache(ttl, sweepInterval time.Duration, maxPerField int) *IssuerCache {
	if ttl <= 0 {
		ttl = DefaultIssuerTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if maxPerField <= 0 {
		maxPerField = DefaultMaxPatternsPerField
	}
	return &IssuerCache{
		core:        newTTLCache[*model.IssuerTemplate](ttl, sweepInterval),
		maxPerField: maxPerField,
	}
}

// Get returns the cached template or nil on a miss (absent or expired).
func (c *IssuerCache) Get(issuerCode string) *model.IssuerTemplate {
	t, ok := c.core.get(issuerCode)
	if !ok {
		return nil
	}
	return t
}

// Set stores a template, replacing any previous value.
func (c *IssuerCache) Set(issuerCode string, t *model.IssuerTemplate) {
	c.core.set(issuerCode, t)
}

// Update merges new patterns at the front of a cached template and
// re-applies the per-field-type cap. Returns false when the issuer is not
// cached; the caller then repopulates from the store instead.
func (c *IssuerCache) Update(issuerCode string, newPatterns []model.ExtractionPattern, source model.PatternSource) bool {
	return c.core.replace(issuerCode, func(t *model.IssuerTemplate) *model.IssuerTemplate {
		return t.WithPrepended(newPatterns, c.maxPerField, source)
	})
}

// Invalidate drops one issuer.
func (c *IssuerCache) Invalidate(issuerCode string) { c.core.invalidate(issuerCode) }

// InvalidateAll forces a cold reload for every issuer.
func (c *IssuerCache) InvalidateAll() { c.core.invalidateAll() }

// CleanupExpired evicts expired entries and returns the count removed.
func (c *IssuerCache) CleanupExpired() int { return c.core.cleanupExpired() }

// ShouldCleanup reports whether enough time has passed since the last sweep.
func (c *IssuerCache) ShouldCleanup() bool { return c.core.shouldCleanup() }

// Info returns the admin stats snapshot.
func (c *IssuerCache) Info() Info { return c.core.info() }

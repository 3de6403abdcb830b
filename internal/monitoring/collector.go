// Package monitoring aggregates cache, queue and savings telemetry into a
// single snapshot for the stats endpoint and the report command.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/rielpay/payverify/internal/cache"
	"github.com/rielpay/payverify/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Cache health.
	IssuerCache   cache.Info `json:"issuer_cache"`
	MerchantCache cache.Info `json:"merchant_cache"`

	// Learning queue depth.
	QueueDepth int `json:"queue_depth"`

	// Savings telemetry (within lookback window).
	Savings *store.SavingsSummary `json:"savings"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// PatternPathShare is the fraction of verifications resolved without a
// vision call. Zero when no events were recorded.
func (s *MetricsSnapshot) PatternPathShare() float64 {
	if s.Savings == nil || s.Savings.Events == 0 {
		return 0
	}
	return float64(s.Savings.PatternPath) / float64(s.Savings.Events)
}

// Collector gathers metrics from the store and both caches.
type Collector struct {
	store     store.Store
	issuers   *cache.IssuerCache
	merchants *cache.MerchantCache
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store, issuers *cache.IssuerCache, merchants *cache.MerchantCache) *Collector {
	return &Collector{store: st, issuers: issuers, merchants: merchants}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		IssuerCache:   c.issuers.Info(),
		MerchantCache: c.merchants.Info(),
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	depth, err := c.store.CountUnprocessed(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count unprocessed")
	}
	snap.QueueDepth = depth

	since := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)
	summary, err := c.store.SavingsSummary(ctx, since)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: savings summary")
	}
	snap.Savings = summary

	return snap, nil
}

// Package store implements the durable side of the learning layer: issuer
// templates, merchant overlays, the learning queue and cost-savings events.
// The store is the source of truth; the in-memory caches are disposable
// projections rebuilt from it.
package store

import (
	"context"
	"time"

	"github.com/rielpay/payverify/internal/model"
)

// IssuerSavings aggregates savings events for one issuer.
type IssuerSavings struct {
	Events     int     `json:"events"`
	AvoidedUSD float64 `json:"avoided_usd"`
}

// SavingsSummary aggregates cost-savings telemetry over a window.
type SavingsSummary struct {
	Events          int                      `json:"events"`
	PatternPath     int                      `json:"pattern_path"`
	FallbackPath    int                      `json:"fallback_path"`
	TotalAvoidedUSD float64                  `json:"total_avoided_usd"`
	ByIssuer        map[string]IssuerSavings `json:"by_issuer"`
}

// Store defines the persistence interface shared by the sqlite and postgres
// drivers.
type Store interface {
	// Issuer templates
	FindTemplate(ctx context.Context, issuerCode string) (*model.IssuerTemplate, error)
	UpsertTemplate(ctx context.Context, t *model.IssuerTemplate) error

	// Merchant overlays
	FindMerchantSet(ctx context.Context, tenantID, issuerCode string) (*model.MerchantPatternSet, error)
	UpsertMerchantSet(ctx context.Context, s *model.MerchantPatternSet) error

	// Learning queue
	Enqueue(ctx context.Context, rec *model.LearningRecord) error
	FetchUnprocessed(ctx context.Context, limit int) ([]model.LearningRecord, error)
	MarkProcessed(ctx context.Context, ids []string, at time.Time) error
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int, error)
	CountUnprocessed(ctx context.Context) (int, error)

	// Cost-savings telemetry
	RecordSavings(ctx context.Context, ev *model.SavingsEvent) error
	SavingsSummary(ctx context.Context, since time.Time) (*SavingsSummary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

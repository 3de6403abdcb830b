package cost

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rielpay/payverify/internal/model"
	"github.com/rielpay/payverify/internal/store"
)

// SavingsTracker records the economic outcome of each verification: a
// pattern-path success avoids one vision call, a fallback pays for it.
type SavingsTracker struct {
	store   store.Store
	calc    *Calculator
	model   string
	nowFunc func() time.Time
}

// NewSavingsTracker creates a tracker valuing avoided calls at the given
// vision model's rates.
func NewSavingsTracker(s store.Store, calc *Calculator, visionModel string) *SavingsTracker {
	return &SavingsTracker{
		store:   s,
		calc:    calc,
		model:   visionModel,
		nowFunc: time.Now,
	}
}

// RecordPatternWin records that a verification was resolved on the cheap
// path, crediting the estimated cost of the vision call it avoided.
// Recording failures are logged, never propagated: telemetry must not fail
// a verification.
func (t *SavingsTracker) RecordPatternWin(ctx context.Context, tenantID, issuerCode string) {
	t.record(ctx, tenantID, issuerCode, model.MethodPattern, t.calc.AvoidedVisionCost(t.model))
}

// RecordFallback records that a verification paid for a vision call.
// The avoided cost is zero; the event still counts toward path telemetry.
func (t *SavingsTracker) RecordFallback(ctx context.Context, tenantID, issuerCode string) {
	t.record(ctx, tenantID, issuerCode, model.MethodVisionFallback, 0)
}

func (t *SavingsTracker) record(ctx context.Context, tenantID, issuerCode string, method model.VerificationMethod, avoided float64) {
	ev := &model.SavingsEvent{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		IssuerCode:  issuerCode,
		Method:      string(method),
		AvoidedCost: avoided,
		OccurredAt:  t.nowFunc().UTC(),
	}
	if err := t.store.RecordSavings(ctx, ev); err != nil {
		zap.L().Warn("cost: record savings event failed",
			zap.String("issuer", issuerCode),
			zap.String("method", string(method)),
			zap.Error(err),
		)
	}
}

// Summary aggregates savings events since the given time.
func (t *SavingsTracker) Summary(ctx context.Context, since time.Time) (*store.SavingsSummary, error) {
	return t.store.SavingsSummary(ctx, since)
}

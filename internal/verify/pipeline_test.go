package verify

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rielpay/payverify/internal/cache"
	"github.com/rielpay/payverify/internal/cost"
	"github.com/rielpay/payverify/internal/extract"
	"github.com/rielpay/payverify/internal/model"
	"github.com/rielpay/payverify/internal/store"
	"github.com/rielpay/payverify/pkg/vision"
)

const abaReceipt = "Transfer to JOHN DOE Account 012-345-678 Amount 50,000 KHR ABA Bank"

type fakeProvider struct {
	result *vision.Result
	err    error
	calls  int
}

func (f *fakeProvider) VerifyScreenshot(ctx context.Context, req vision.Request) (*vision.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type testEnv struct {
	pipeline  *Pipeline
	store     store.Store
	issuers   *cache.IssuerCache
	merchants *cache.MerchantCache
}

func newTestEnv(t *testing.T, provider vision.Provider) *testEnv {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	registry, err := extract.LoadRegistry("")
	require.NoError(t, err)
	extractor := extract.NewExtractor(registry)

	issuers := cache.NewIssuerCache(time.Hour, time.Minute, 8)
	merchants := cache.NewMerchantCache(time.Hour, time.Minute, 10)

	calc := cost.NewCalculator(cost.DefaultRates())
	savings := cost.NewSavingsTracker(st, calc, "claude-haiku-4-5-20251001")

	pipeline := New(extractor, issuers, merchants, st, provider, savings, Config{})
	return &testEnv{pipeline: pipeline, store: st, issuers: issuers, merchants: merchants}
}

// learnedABATemplate simulates a template the trainer has already promoted,
// confident enough to clear the routing threshold.
func learnedABATemplate() *model.IssuerTemplate {
	return &model.IssuerTemplate{
		IssuerCode:     "ABA",
		ConfidenceBase: 0.5,
		UpdateSource:   model.SourceBatchLearning,
		Patterns: []model.ExtractionPattern{
			{FieldType: model.FieldAmount, Regex: `(?i)Amount\s*:?\s*([\d,]+(?:\.\d{1,2})?)`, Confidence: 0.9, Source: model.SourceBatchLearning},
			{FieldType: model.FieldAccount, Regex: `(?i)Account\s*:?\s*(\d[\d\-\s]{5,}\d)`, Confidence: 0.9, Source: model.SourceBatchLearning},
			{FieldType: model.FieldRecipient, Regex: `(?i)Transfer to\s+([A-Z][A-Za-z .']+)`, Confidence: 0.85, Source: model.SourceBatchLearning},
		},
	}
}

func expectedABAPayment() model.ExpectedPayment {
	return model.ExpectedPayment{
		Amount:         50000,
		Currency:       "KHR",
		RecipientNames: []string{"JOHN DOE"},
		ToAccount:      "012-345-678",
		Bank:           "ABA",
	}
}

func TestVerifyPatternPathSuccess(t *testing.T) {
	env := newTestEnv(t, nil)
	env.issuers.Set("ABA", learnedABATemplate())

	outcome, err := env.pipeline.Verify(context.Background(), Request{
		OCRText:  abaReceipt,
		TenantID: "tenant-1",
		Expected: expectedABAPayment(),
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusVerified, outcome.Status)
	assert.Equal(t, model.MethodPattern, outcome.Method)
	assert.True(t, outcome.CostEffective)
	assert.Equal(t, "ABA", outcome.IssuerCode)
	assert.GreaterOrEqual(t, outcome.Confidence, 0.80)
	assert.Equal(t, "50,000", outcome.Extracted[model.FieldAmount])
	assert.Empty(t, outcome.Reasons)

	// A learning record was enqueued for the trainer.
	records, err := env.store.FetchUnprocessed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ABA", records[0].IssuerCode)
	assert.Equal(t, "tenant-1", records[0].TenantID)
	assert.NotEmpty(t, records[0].CandidatePatterns)

	// The avoided vision call was credited.
	summary, err := env.store.SavingsSummary(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PatternPath)
	assert.Zero(t, summary.FallbackPath)
	assert.Greater(t, summary.TotalAvoidedUSD, 0.0)
}

func TestVerifyAmountMismatchRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.issuers.Set("ABA", learnedABATemplate())

	expected := expectedABAPayment()
	expected.Amount = 75000

	outcome, err := env.pipeline.Verify(context.Background(), Request{
		OCRText:  abaReceipt,
		TenantID: "tenant-1",
		Expected: expected,
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusRejected, outcome.Status)
	assert.Contains(t, outcome.Reasons, model.ReasonAmountMismatch)
	assert.Equal(t, model.MethodPattern, outcome.Method)

	// Only successes are learned from.
	count, err := env.store.CountUnprocessed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	// The rejection still resolved without a vision call, so the avoided
	// cost is credited all the same.
	summary, err := env.store.SavingsSummary(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PatternPath)
	assert.Zero(t, summary.FallbackPath)
	assert.Greater(t, summary.TotalAvoidedUSD, 0.0)
}

func TestVerifyMultipleRejectionReasons(t *testing.T) {
	env := newTestEnv(t, nil)
	env.issuers.Set("ABA", learnedABATemplate())

	expected := expectedABAPayment()
	expected.Amount = 75000
	expected.RecipientNames = []string{"SOK DARA"}
	expected.ToAccount = "999-999-999"

	outcome, err := env.pipeline.Verify(context.Background(), Request{
		OCRText:  abaReceipt,
		TenantID: "tenant-1",
		Expected: expected,
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusRejected, outcome.Status)
	assert.ElementsMatch(t, []string{
		model.ReasonAmountMismatch,
		model.ReasonRecipientMismatch,
		model.ReasonAccountMismatch,
	}, outcome.Reasons)
}

func TestVerifyPastDueDateRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.issuers.Set("ABA", learnedABATemplate())

	due := time.Now().Add(-48 * time.Hour)
	received := time.Now().Add(-time.Hour)
	expected := expectedABAPayment()
	expected.DueDate = &due
	expected.ReceivedAt = &received

	outcome, err := env.pipeline.Verify(context.Background(), Request{
		OCRText:  abaReceipt,
		TenantID: "tenant-1",
		Expected: expected,
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusRejected, outcome.Status)
	assert.Contains(t, outcome.Reasons, model.ReasonPastDueDate)
}

func TestVerifyMissingTenantSkipsLearning(t *testing.T) {
	env := newTestEnv(t, nil)
	env.issuers.Set("ABA", learnedABATemplate())

	outcome, err := env.pipeline.Verify(context.Background(), Request{
		OCRText:  abaReceipt,
		Expected: expectedABAPayment(),
	})
	require.NoError(t, err)

	// The verification itself succeeds; only the learning side is skipped.
	assert.Equal(t, model.StatusVerified, outcome.Status)

	count, err := env.store.CountUnprocessed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestVerifyLowConfidenceWithoutProviderPending(t *testing.T) {
	env := newTestEnv(t, nil)

	outcome, err := env.pipeline.Verify(context.Background(), Request{
		OCRText:  "blurry unreadable scan",
		TenantID: "tenant-1",
		Expected: expectedABAPayment(),
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusPending, outcome.Status)
	assert.Equal(t, model.MethodVisionFallback, outcome.Method)
}

func TestVerifyVisionFallback(t *testing.T) {
	provider := &fakeProvider{result: &vision.Result{
		Recipient:  "JOHN DOE",
		Account:    "012-345-678",
		Amount:     50000,
		Currency:   "KHR",
		Verdict:    "verified",
		Confidence: 0.92,
	}}
	env := newTestEnv(t, provider)

	outcome, err := env.pipeline.Verify(context.Background(), Request{
		OCRText:  "blurry unreadable scan",
		TenantID: "tenant-1",
		Expected: expectedABAPayment(),
		Image:    []byte("fake image bytes"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.calls)
	assert.Equal(t, model.StatusVerified, outcome.Status)
	assert.Equal(t, model.MethodVisionFallback, outcome.Method)
	assert.False(t, outcome.CostEffective)
	assert.Equal(t, 0.92, outcome.Confidence)

	// Fallback successes still feed the trainer and the telemetry.
	count, err := env.store.CountUnprocessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	summary, err := env.store.SavingsSummary(context.Background(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FallbackPath)
}

func TestVerifyCheapPathSkipsProvider(t *testing.T) {
	provider := &fakeProvider{result: &vision.Result{Verdict: "verified", Confidence: 0.9}}
	env := newTestEnv(t, provider)
	env.issuers.Set("ABA", learnedABATemplate())

	_, err := env.pipeline.Verify(context.Background(), Request{
		OCRText:  abaReceipt,
		TenantID: "tenant-1",
		Expected: expectedABAPayment(),
		Image:    []byte("fake image bytes"),
	})
	require.NoError(t, err)
	assert.Zero(t, provider.calls, "confident pattern path must not pay for a vision call")
}

func TestVerifyStorePopulatesIssuerCache(t *testing.T) {
	env := newTestEnv(t, nil)

	// Template exists only in the durable store.
	require.NoError(t, env.store.UpsertTemplate(context.Background(), learnedABATemplate()))

	outcome, err := env.pipeline.Verify(context.Background(), Request{
		OCRText:  abaReceipt,
		TenantID: "tenant-1",
		Expected: expectedABAPayment(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusVerified, outcome.Status)

	// The cache was populated on the way through.
	assert.NotNil(t, env.issuers.Get("ABA"))
}

func TestVerifyMerchantOverlayPreferred(t *testing.T) {
	env := newTestEnv(t, nil)
	env.issuers.Set("ABA", learnedABATemplate())

	// A merchant refinement for the amount field, tried before the issuer
	// template's own amount pattern.
	env.merchants.Add("tenant-1", "ABA", model.MerchantPattern{
		ExtractionPattern: model.ExtractionPattern{
			FieldType:  model.FieldAmount,
			Regex:      `([\d,]+)\s*KHR`,
			Confidence: 0.95,
			Source:     model.SourceMerchantLearning,
		},
	})

	outcome, err := env.pipeline.Verify(context.Background(), Request{
		OCRText:  abaReceipt,
		TenantID: "tenant-1",
		Expected: expectedABAPayment(),
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusVerified, outcome.Status)

	// Usage stats recorded against the merchant pattern.
	set := env.merchants.Get("tenant-1", "ABA")
	require.NotNil(t, set)
	require.Len(t, set.Patterns, 1)
	assert.Equal(t, 1, set.Patterns[0].UsageCount)
	assert.Equal(t, 1.0, set.Patterns[0].SuccessRate)
}

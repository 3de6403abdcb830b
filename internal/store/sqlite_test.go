package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rielpay/payverify/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func testRecord(t *testing.T, issuer, tenant string, confidence float64) *model.LearningRecord {
	t.Helper()
	rec, err := model.NewLearningRecord(issuer, tenant, "", "some ocr text",
		model.VerifiedFields{Amount: 50000, Currency: "KHR"},
		map[model.FieldType][]string{model.FieldAmount: {`Amount\s+([\d,]+)`}},
		confidence)
	require.NoError(t, err)
	return rec
}

func TestSQLiteTemplateRoundtrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	found, err := s.FindTemplate(ctx, "ABA")
	require.NoError(t, err)
	assert.Nil(t, found, "missing template is nil, not an error")

	tmpl := &model.IssuerTemplate{
		IssuerCode:     "ABA",
		ConfidenceBase: 0.5,
		LastUpdated:    time.Now().UTC(),
		UpdateSource:   model.SourceBatchLearning,
		Patterns: []model.ExtractionPattern{
			{FieldType: model.FieldAmount, Regex: `Amount\s+([\d,]+)`, Confidence: 0.9, Frequency: 3},
		},
	}
	require.NoError(t, s.UpsertTemplate(ctx, tmpl))

	found, err = s.FindTemplate(ctx, "ABA")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "ABA", found.IssuerCode)
	require.Len(t, found.Patterns, 1)
	assert.Equal(t, 3, found.Patterns[0].Frequency)

	// Upsert replaces.
	tmpl.Patterns = append(tmpl.Patterns, model.ExtractionPattern{
		FieldType: model.FieldAccount, Regex: `Account\s+(\d+)`, Confidence: 0.8,
	})
	require.NoError(t, s.UpsertTemplate(ctx, tmpl))

	found, err = s.FindTemplate(ctx, "ABA")
	require.NoError(t, err)
	assert.Len(t, found.Patterns, 2)
}

func TestSQLiteMerchantSetRoundtrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	err := s.UpsertMerchantSet(ctx, &model.MerchantPatternSet{IssuerCode: "ABA"})
	require.ErrorIs(t, err, model.ErrMissingTenant)

	set := &model.MerchantPatternSet{
		TenantID:   "tenant-1",
		IssuerCode: "ABA",
		Patterns: []model.MerchantPattern{
			{ExtractionPattern: model.ExtractionPattern{FieldType: model.FieldAmount, Regex: `p1`, Confidence: 0.9}, UsageCount: 4},
		},
	}
	require.NoError(t, s.UpsertMerchantSet(ctx, set))

	found, err := s.FindMerchantSet(ctx, "tenant-1", "ABA")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Len(t, found.Patterns, 1)
	assert.Equal(t, 4, found.Patterns[0].UsageCount)

	// Other tenants see nothing.
	other, err := s.FindMerchantSet(ctx, "tenant-2", "ABA")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSQLiteLearningQueue(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	err := s.Enqueue(ctx, &model.LearningRecord{ID: uuid.NewString(), IssuerCode: "ABA"})
	require.ErrorIs(t, err, model.ErrMissingTenant)

	var ids []string
	for i := 0; i < 3; i++ {
		rec := testRecord(t, "ABA", "tenant-1", 0.9)
		require.NoError(t, s.Enqueue(ctx, rec))
		ids = append(ids, rec.ID)
	}

	count, err := s.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	records, err := s.FetchUnprocessed(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, records, 2, "limit is honored")

	require.NoError(t, s.MarkProcessed(ctx, ids[:2], time.Now().UTC()))

	count, err = s.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	records, err = s.FetchUnprocessed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ids[2], records[0].ID)
}

func TestSQLiteDeleteProcessedBefore(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := testRecord(t, "ABA", "tenant-1", 0.9)
	require.NoError(t, s.Enqueue(ctx, rec))

	processedAt := time.Now().UTC().Add(-10 * 24 * time.Hour)
	require.NoError(t, s.MarkProcessed(ctx, []string{rec.ID}, processedAt))

	// Unprocessed and recent records survive.
	fresh := testRecord(t, "ABA", "tenant-1", 0.9)
	require.NoError(t, s.Enqueue(ctx, fresh))

	deleted, err := s.DeleteProcessedBefore(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	count, err := s.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteSavingsSummary(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	events := []*model.SavingsEvent{
		{ID: uuid.NewString(), TenantID: "t1", IssuerCode: "ABA", Method: string(model.MethodPattern), AvoidedCost: 0.004, OccurredAt: now},
		{ID: uuid.NewString(), TenantID: "t1", IssuerCode: "ABA", Method: string(model.MethodPattern), AvoidedCost: 0.004, OccurredAt: now},
		{ID: uuid.NewString(), TenantID: "t1", IssuerCode: "Wing", Method: string(model.MethodVisionFallback), AvoidedCost: 0, OccurredAt: now},
		// Outside the window.
		{ID: uuid.NewString(), TenantID: "t1", IssuerCode: "ABA", Method: string(model.MethodPattern), AvoidedCost: 0.004, OccurredAt: now.Add(-48 * time.Hour)},
	}
	for _, ev := range events {
		require.NoError(t, s.RecordSavings(ctx, ev))
	}

	summary, err := s.SavingsSummary(ctx, now.Add(-time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Events)
	assert.Equal(t, 2, summary.PatternPath)
	assert.Equal(t, 1, summary.FallbackPath)
	assert.InDelta(t, 0.008, summary.TotalAvoidedUSD, 1e-9)

	require.Contains(t, summary.ByIssuer, "ABA")
	assert.Equal(t, 2, summary.ByIssuer["ABA"].Events)
	assert.InDelta(t, 0.008, summary.ByIssuer["ABA"].AvoidedUSD, 1e-9)
	assert.Equal(t, 1, summary.ByIssuer["Wing"].Events)
}

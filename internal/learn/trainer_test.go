package learn

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rielpay/payverify/internal/cache"
	"github.com/rielpay/payverify/internal/extract"
	"github.com/rielpay/payverify/internal/model"
	"github.com/rielpay/payverify/internal/store"
)

const wingAccountRegex = `(?i)wing account\s*:?\s*(\d[\d\-\s]*\d)`

type trainerEnv struct {
	store     store.Store
	issuers   *cache.IssuerCache
	merchants *cache.MerchantCache
	processor *TrainingProcessor
}

func newTrainerEnv(t *testing.T, cfg Config) *trainerEnv {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	registry, err := extract.LoadRegistry("")
	require.NoError(t, err)

	issuers := cache.NewIssuerCache(time.Hour, time.Minute, 8)
	merchants := cache.NewMerchantCache(time.Hour, time.Minute, 10)

	return &trainerEnv{
		store:     st,
		issuers:   issuers,
		merchants: merchants,
		processor: NewTrainingProcessor(st, issuers, merchants, registry, cfg),
	}
}

func (e *trainerEnv) enqueue(t *testing.T, issuer, tenant, merchant string, confidence float64, candidates map[model.FieldType][]string) {
	t.Helper()
	rec, err := model.NewLearningRecord(issuer, tenant, merchant, "Wing Account: 0987654 Amount: 120,000",
		model.VerifiedFields{Account: "0987654", Amount: 120000, Currency: "KHR"},
		candidates, confidence)
	require.NoError(t, err)
	require.NoError(t, e.store.Enqueue(context.Background(), rec))
}

func wingCandidates() map[model.FieldType][]string {
	return map[model.FieldType][]string{
		model.FieldAccount: {wingAccountRegex},
	}
}

func TestProcessOncePromotesRepeatedPattern(t *testing.T) {
	env := newTrainerEnv(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.enqueue(t, "Wing", "tenant-1", "", 0.9, wingCandidates())
	}

	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Fetched)
	assert.Equal(t, 1, result.IssuersSeen)
	assert.Equal(t, 1, result.IssuersTrained)
	assert.Equal(t, 1, result.Promoted)
	assert.Equal(t, 3, result.Marked)
	assert.Empty(t, result.Errors)

	// The pattern landed in the durable template with its batch statistics.
	tmpl, err := env.store.FindTemplate(ctx, "Wing")
	require.NoError(t, err)
	require.NotNil(t, tmpl)
	require.True(t, tmpl.HasPattern(model.FieldAccount, wingAccountRegex))

	var promoted model.ExtractionPattern
	for _, p := range tmpl.Patterns {
		if p.Regex == wingAccountRegex {
			promoted = p
		}
	}
	assert.Equal(t, 3, promoted.Frequency)
	assert.Equal(t, model.SourceBatchLearning, promoted.Source)
	assert.InDelta(t, 0.9, promoted.Confidence, 1e-9)

	// And is visible in the cache immediately after promotion.
	cached := env.issuers.Get("Wing")
	require.NotNil(t, cached)
	assert.True(t, cached.HasPattern(model.FieldAccount, wingAccountRegex))
	assert.Equal(t, wingAccountRegex, cached.Patterns[0].Regex, "promoted pattern has highest priority")
}

func TestProcessOnceIdempotent(t *testing.T) {
	env := newTrainerEnv(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.enqueue(t, "Wing", "tenant-1", "", 0.9, wingCandidates())
	}

	_, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	// Same queue, no new records: the second run is a no-op.
	second, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.Fetched)
	assert.Zero(t, second.Promoted)

	count, err := env.store.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProcessOnceSkipsBelowMinSamples(t *testing.T) {
	env := newTrainerEnv(t, Config{})
	ctx := context.Background()

	env.enqueue(t, "Wing", "tenant-1", "", 0.9, wingCandidates())
	env.enqueue(t, "Wing", "tenant-1", "", 0.9, wingCandidates())

	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.IssuersTrained)
	assert.Zero(t, result.Marked)

	// Records stay queued and count toward a later, larger batch.
	count, err := env.store.CountUnprocessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	env.enqueue(t, "Wing", "tenant-1", "", 0.9, wingCandidates())
	result, err = env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.IssuersTrained)
	assert.Equal(t, 3, result.Marked)
}

func TestProcessOnceIgnoresLowConfidenceRecords(t *testing.T) {
	env := newTrainerEnv(t, Config{})
	ctx := context.Background()

	// Three records but only two qualify.
	env.enqueue(t, "Wing", "tenant-1", "", 0.9, wingCandidates())
	env.enqueue(t, "Wing", "tenant-1", "", 0.9, wingCandidates())
	env.enqueue(t, "Wing", "tenant-1", "", 0.5, wingCandidates())

	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.IssuersTrained)
}

func TestProcessOnceRejectsSingleOccurrencePatterns(t *testing.T) {
	env := newTrainerEnv(t, Config{})
	ctx := context.Background()

	// Three qualifying records, but each with a different candidate. None
	// reaches the frequency floor.
	env.enqueue(t, "Wing", "tenant-1", "", 0.9, map[model.FieldType][]string{
		model.FieldAccount: {`(?i)wing acct\s+(\d[\d\-\s]*\d)`},
	})
	env.enqueue(t, "Wing", "tenant-1", "", 0.9, map[model.FieldType][]string{
		model.FieldAccount: {`(?i)account no\s+(\d[\d\-\s]*\d)`},
	})
	env.enqueue(t, "Wing", "tenant-1", "", 0.9, map[model.FieldType][]string{
		model.FieldAccount: {`(?i)acc number\s+(\d[\d\-\s]*\d)`},
	})

	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.IssuersTrained)
	assert.Zero(t, result.Promoted)
	assert.Equal(t, 3, result.Marked, "records are consumed even when nothing qualifies")
}

func TestProcessOnceExactDuplicateNotRepromoted(t *testing.T) {
	env := newTrainerEnv(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.enqueue(t, "Wing", "tenant-1", "", 0.9, wingCandidates())
	}
	_, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	// A later batch carrying the same pattern again.
	for i := 0; i < 3; i++ {
		env.enqueue(t, "Wing", "tenant-1", "", 0.9, wingCandidates())
	}
	result, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Promoted, "exact-string duplicates are not promoted twice")

	tmpl, err := env.store.FindTemplate(ctx, "Wing")
	require.NoError(t, err)
	matches := 0
	for _, p := range tmpl.Patterns {
		if p.Regex == wingAccountRegex {
			matches++
		}
	}
	assert.Equal(t, 1, matches)
}

func TestProcessOnceCapInvariant(t *testing.T) {
	env := newTrainerEnv(t, Config{MaxPerField: 2, TopPerField: 3})
	ctx := context.Background()

	candidates := map[model.FieldType][]string{
		model.FieldAccount: {
			`(?i)wing account\s*:?\s*(\d[\d\-\s]*\d)`,
			`(?i)account\s*:?\s*(\d[\d\-\s]*\d)`,
			`(?i)acct\s*:?\s*(\d[\d\-\s]*\d)`,
		},
	}
	for i := 0; i < 3; i++ {
		env.enqueue(t, "Wing", "tenant-1", "", 0.9, candidates)
	}

	_, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	tmpl, err := env.store.FindTemplate(ctx, "Wing")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(tmpl.PatternsFor(model.FieldAccount)), 2)
}

func TestProcessOncePromotesMerchantRefinements(t *testing.T) {
	env := newTrainerEnv(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.enqueue(t, "Wing", "tenant-1", "merchant-9", 0.9, wingCandidates())
	}

	_, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	set := env.merchants.Get("tenant-1", "Wing")
	require.NotNil(t, set)
	require.NotEmpty(t, set.Patterns)
	assert.Equal(t, model.SourceMerchantLearning, set.Patterns[0].Source)

	// Overlay persisted for other processes.
	stored, err := env.store.FindMerchantSet(ctx, "tenant-1", "Wing")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotEmpty(t, stored.Patterns)

	// Nothing leaked to another tenant.
	other, err := env.store.FindMerchantSet(ctx, "tenant-2", "Wing")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestPurgeProcessed(t *testing.T) {
	env := newTrainerEnv(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.enqueue(t, "Wing", "tenant-1", "", 0.9, wingCandidates())
	}
	_, err := env.processor.ProcessOnce(ctx)
	require.NoError(t, err)

	// Inside the retention window nothing is deleted.
	deleted, err := env.processor.PurgeProcessed(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	// Past retention the processed records go away.
	env.processor.nowFunc = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	deleted, err = env.processor.PurgeProcessed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
}

func TestProcessOnceEmptyQueue(t *testing.T) {
	env := newTrainerEnv(t, Config{})

	result, err := env.processor.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Fetched)
	assert.Zero(t, result.IssuersSeen)
}

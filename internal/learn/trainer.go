// Package learn implements the asynchronous batch trainer: it drains the
// learning queue, scores candidate patterns per issuer and promotes the best
// ones into the durable template store and the in-memory caches.
package learn

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/rielpay/payverify/internal/cache"
	"github.com/rielpay/payverify/internal/extract"
	"github.com/rielpay/payverify/internal/model"
	"github.com/rielpay/payverify/internal/store"
)

// Config tunes the batch trainer. Zero values select the defaults.
type Config struct {
	BatchSize            int           // records pulled per run
	MinSamples           int           // qualifying records required per issuer
	QualifyingConfidence float64       // records below this are ignored
	MinScore             float64       // promotion floor on overall_score
	MinFrequency         int           // promotion floor on cross-record frequency
	TopPerField          int           // promoted patterns per field type per run
	MaxPerField          int           // template cap re-applied on promotion
	MerchantThreshold    float64       // confidence floor for merchant refinements
	Retention            time.Duration // processed records older than this are purged

	// Scoring weights. They sum to 1 and have no derivation beyond observed
	// behavior, so they stay configurable rather than hardcoded.
	WeightConfidence float64
	WeightSuccess    float64
	WeightFrequency  float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 3
	}
	if c.QualifyingConfidence <= 0 {
		c.QualifyingConfidence = 0.80
	}
	if c.MinScore <= 0 {
		c.MinScore = 0.75
	}
	if c.MinFrequency <= 0 {
		c.MinFrequency = 2
	}
	if c.TopPerField <= 0 {
		c.TopPerField = 3
	}
	if c.MaxPerField <= 0 {
		c.MaxPerField = cache.DefaultMaxPatternsPerField
	}
	if c.MerchantThreshold <= 0 {
		c.MerchantThreshold = 0.85
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.WeightConfidence <= 0 && c.WeightSuccess <= 0 && c.WeightFrequency <= 0 {
		c.WeightConfidence, c.WeightSuccess, c.WeightFrequency = 0.4, 0.4, 0.2
	}
	return c
}

// BatchResult reports one trainer run. Per-issuer failures never abort the
// batch; they are collected here instead.
type BatchResult struct {
	Fetched        int               `json:"fetched"`
	IssuersSeen    int               `json:"issuers_seen"`
	IssuersTrained int               `json:"issuers_trained"`
	Promoted       int               `json:"promoted_patterns"`
	Marked         int               `json:"marked_processed"`
	Errors         map[string]string `json:"errors,omitempty"` // issuer → message
}

// TrainingProcessor consumes learning records and promotes patterns.
type TrainingProcessor struct {
	store     store.Store
	issuers   *cache.IssuerCache
	merchants *cache.MerchantCache
	registry  *extract.Registry
	cfg       Config
	nowFunc   func() time.Time
}

// NewTrainingProcessor creates a processor bound to the given store and
// caches.
func NewTrainingProcessor(s store.Store, issuers *cache.IssuerCache, merchants *cache.MerchantCache, registry *extract.Registry, cfg Config) *TrainingProcessor {
	return &TrainingProcessor{
		store:     s,
		issuers:   issuers,
		merchants: merchants,
		registry:  registry,
		cfg:       cfg.withDefaults(),
		nowFunc:   time.Now,
	}
}

// ProcessOnce runs one batch: fetch, group by issuer, analyze, promote, mark
// processed. Records belonging to an issuer that was skipped (too few
// samples) or that failed are left unprocessed so they accumulate for a
// later run. Running twice on the same queue without new arrivals is a
// no-op the second time.
func (p *TrainingProcessor) ProcessOnce(ctx context.Context) (*BatchResult, error) {
	records, err := p.store.FetchUnprocessed(ctx, p.cfg.BatchSize)
	if err != nil {
		return nil, eris.Wrap(err, "learn: fetch batch")
	}

	result := &BatchResult{Fetched: len(records), Errors: map[string]string{}}
	if len(records) == 0 {
		return result, nil
	}

	groups := groupByIssuer(records)
	result.IssuersSeen = len(groups)

	var processedIDs []string
	for issuer, group := range groups {
		promoted, err := p.trainIssuer(ctx, issuer, group)
		if err != nil {
			result.Errors[issuer] = err.Error()
			zap.L().Error("learn: issuer training failed",
				zap.String("issuer", issuer),
				zap.Int("records", len(group)),
				zap.Error(err),
			)
			continue
		}
		if promoted < 0 {
			// Skipped this round, records stay queued.
			continue
		}

		result.IssuersTrained++
		result.Promoted += promoted
		for _, rec := range group {
			processedIDs = append(processedIDs, rec.ID)
		}
	}

	if len(processedIDs) > 0 {
		if err := p.store.MarkProcessed(ctx, processedIDs, p.nowFunc().UTC()); err != nil {
			return result, eris.Wrap(err, "learn: mark processed")
		}
		result.Marked = len(processedIDs)
	}

	zap.L().Info("learn: batch complete",
		zap.Int("fetched", result.Fetched),
		zap.Int("issuers_trained", result.IssuersTrained),
		zap.Int("promoted", result.Promoted),
		zap.Int("marked", result.Marked),
		zap.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// PurgeProcessed deletes processed records older than the retention window.
func (p *TrainingProcessor) PurgeProcessed(ctx context.Context) (int, error) {
	cutoff := p.nowFunc().UTC().Add(-p.cfg.Retention)
	n, err := p.store.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "learn: purge processed")
	}
	if n > 0 {
		zap.L().Info("learn: purged processed records", zap.Int("deleted", n))
	}
	return n, nil
}

// trainIssuer analyzes one issuer's records and promotes the winners.
// Returns -1 when the issuer was skipped for lack of qualifying samples.
func (p *TrainingProcessor) trainIssuer(ctx context.Context, issuer string, group []model.LearningRecord) (int, error) {
	qualifying := make([]model.LearningRecord, 0, len(group))
	for _, rec := range group {
		if rec.Confidence >= p.cfg.QualifyingConfidence {
			qualifying = append(qualifying, rec)
		}
	}
	if len(qualifying) < p.cfg.MinSamples {
		zap.L().Debug("learn: issuer skipped, not enough qualifying samples",
			zap.String("issuer", issuer),
			zap.Int("qualifying", len(qualifying)),
			zap.Int("min_samples", p.cfg.MinSamples),
		)
		return -1, nil
	}

	scored := p.analyze(qualifying)

	template, err := p.currentTemplate(ctx, issuer)
	if err != nil {
		return 0, err
	}

	selected := p.selectCandidates(scored, template)
	if len(selected) > 0 {
		updated := template.WithPrepended(selected, p.cfg.MaxPerField, model.SourceBatchLearning)
		if err := p.store.UpsertTemplate(ctx, updated); err != nil {
			return 0, eris.Wrapf(err, "learn: persist template for issuer %s", issuer)
		}
		p.issuers.Set(issuer, updated)
	}

	p.promoteMerchantRefinements(ctx, issuer, qualifying)

	return len(selected), nil
}

// scoredPattern is one candidate aggregated across a batch.
type scoredPattern struct {
	field        model.FieldType
	regex        string
	frequency    int
	avgConf      float64
	successRate  float64
	overallScore float64
}

// analyze aggregates candidate patterns across the qualifying records and
// scores them. Success rate is 1.0 for every candidate here: the records are
// all successful verifications, so the term only moves once templates start
// reporting real match outcomes.
func (p *TrainingProcessor) analyze(records []model.LearningRecord) map[model.FieldType][]scoredPattern {
	type agg struct {
		frequency int
		confSum   float64
	}
	byKey := make(map[model.FieldType]map[string]*agg)

	for _, rec := range records {
		for field, regexes := range rec.CandidatePatterns {
			seen := make(map[string]bool, len(regexes))
			for _, raw := range regexes {
				regex := extract.NormalizePattern(raw)
				if regex == "" || seen[regex] {
					continue
				}
				seen[regex] = true
				if byKey[field] == nil {
					byKey[field] = make(map[string]*agg)
				}
				a := byKey[field][regex]
				if a == nil {
					a = &agg{}
					byKey[field][regex] = a
				}
				a.frequency++
				a.confSum += rec.Confidence
			}
		}
	}

	total := float64(len(records))
	out := make(map[model.FieldType][]scoredPattern, len(byKey))
	for field, patterns := range byKey {
		for regex, a := range patterns {
			avgConf := a.confSum / float64(a.frequency)
			sp := scoredPattern{
				field:       field,
				regex:       regex,
				frequency:   a.frequency,
				avgConf:     avgConf,
				successRate: 1.0,
			}
			sp.overallScore = p.cfg.WeightConfidence*sp.avgConf +
				p.cfg.WeightSuccess*sp.successRate +
				p.cfg.WeightFrequency*(float64(sp.frequency)/total)
			out[field] = append(out[field], sp)
		}
		sort.SliceStable(out[field], func(i, j int) bool {
			return out[field][i].overallScore > out[field][j].overallScore
		})
	}
	return out
}

// selectCandidates applies the promotion floors and the exact-string dedupe
// against the current template, keeping at most TopPerField per field type.
func (p *TrainingProcessor) selectCandidates(scored map[model.FieldType][]scoredPattern, template *model.IssuerTemplate) []model.ExtractionPattern {
	now := p.nowFunc().UTC()
	var selected []model.ExtractionPattern

	for _, field := range model.AllFieldTypes {
		taken := 0
		for _, sp := range scored[field] {
			if taken >= p.cfg.TopPerField {
				break
			}
			if sp.overallScore < p.cfg.MinScore || sp.frequency < p.cfg.MinFrequency {
				continue
			}
			if template.HasPattern(field, sp.regex) {
				continue
			}
			selected = append(selected, model.ExtractionPattern{
				FieldType:   field,
				Regex:       sp.regex,
				Confidence:  sp.avgConf,
				Priority:    taken,
				Source:      model.SourceBatchLearning,
				Frequency:   sp.frequency,
				SuccessRate: sp.successRate,
				SampleSize:  sp.frequency,
				LearnedAt:   now,
			})
			taken++
		}
	}
	return selected
}

// currentTemplate loads the issuer's template, preferring cache, then store,
// then the registry fallback for issuers never trained before.
func (p *TrainingProcessor) currentTemplate(ctx context.Context, issuer string) (*model.IssuerTemplate, error) {
	if t := p.issuers.Get(issuer); t != nil {
		return t, nil
	}
	t, err := p.store.FindTemplate(ctx, issuer)
	if err != nil {
		return nil, eris.Wrapf(err, "learn: load template for issuer %s", issuer)
	}
	if t != nil {
		return t, nil
	}
	return p.registry.FallbackTemplate(issuer), nil
}

// promoteMerchantRefinements feeds high-confidence patterns from merchant
// tagged records into the merchant overlay. Failures here are logged only:
// merchant refinement is an optimization, not part of the batch contract.
func (p *TrainingProcessor) promoteMerchantRefinements(ctx context.Context, issuer string, records []model.LearningRecord) {
	now := p.nowFunc().UTC()
	touched := make(map[string]bool)

	for _, rec := range records {
		if rec.MerchantID == "" || rec.Confidence < p.cfg.MerchantThreshold {
			continue
		}
		for field, regexes := range rec.CandidatePatterns {
			for _, raw := range regexes {
				regex := extract.NormalizePattern(raw)
				if regex == "" {
					continue
				}
				p.merchants.Add(rec.TenantID, issuer, model.MerchantPattern{
					ExtractionPattern: model.ExtractionPattern{
						FieldType:  field,
						Regex:      regex,
						Confidence: rec.Confidence,
						Source:     model.SourceMerchantLearning,
						Frequency:  1,
						LearnedAt:  now,
					},
				})
				touched[rec.TenantID] = true
			}
		}
	}

	for tenantID := range touched {
		set := p.merchants.Get(tenantID, issuer)
		if set == nil {
			continue
		}
		if err := p.store.UpsertMerchantSet(ctx, set); err != nil {
			zap.L().Warn("learn: persist merchant set failed",
				zap.String("tenant", tenantID),
				zap.String("issuer", issuer),
				zap.Error(err),
			)
		}
	}
}

func groupByIssuer(records []model.LearningRecord) map[string][]model.LearningRecord {
	groups := make(map[string][]model.LearningRecord)
	for _, rec := range records {
		groups[rec.IssuerCode] = append(groups[rec.IssuerCode], rec)
	}
	return groups
}

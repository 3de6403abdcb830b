// Package model defines the core data types shared across the verification
// pipeline, the pattern caches and the batch trainer.
package model

import "time"

// FieldType identifies which payment field a pattern extracts.
type FieldType string

const (
	FieldRecipient FieldType = "recipient"
	FieldAccount   FieldType = "account"
	FieldAmount    FieldType = "amount"
)

// AllFieldTypes lists every extractable field in a stable order.
var AllFieldTypes = []FieldType{FieldRecipient, FieldAccount, FieldAmount}

// PatternSource records how a pattern entered the system.
type PatternSource string

const (
	SourceFallback         PatternSource = "fallback"
	SourceRealTimeLearning PatternSource = "real_time_learning"
	SourceBatchLearning    PatternSource = "batch_learning"
	SourceMerchantLearning PatternSource = "merchant_learning"
)

// ExtractionPattern is a learned regular expression for one field type.
// Patterns are immutable once created; a better pattern supersedes an old
// one, it never mutates it in place.
type ExtractionPattern struct {
	FieldType   FieldType     `json:"field_type"`
	Regex       string        `json:"regex"`
	Confidence  float64       `json:"confidence"`
	Priority    int           `json:"priority"`
	Source      PatternSource `json:"source"`
	Frequency   int           `json:"frequency"`
	SuccessRate float64       `json:"success_rate"`
	SampleSize  int           `json:"sample_size"`
	LearnedAt   time.Time     `json:"learned_at"`
}

// IssuerTemplate is the ordered set of patterns currently believed best for
// one payment issuer. Slice order is priority order: earlier patterns are
// tried first.
type IssuerTemplate struct {
	IssuerCode     string              `json:"issuer_code"`
	Patterns       []ExtractionPattern `json:"patterns"`
	ConfidenceBase float64             `json:"confidence_base"`
	LastUpdated    time.Time           `json:"last_updated"`
	UpdateSource   PatternSource       `json:"update_source"`
}

// PatternsFor returns the template's patterns for one field type, in
// priority order.
func (t *IssuerTemplate) PatternsFor(ft FieldType) []ExtractionPattern {
	var out []ExtractionPattern
	for _, p := range t.Patterns {
		if p.FieldType == ft {
			out = append(out, p)
		}
	}
	return out
}

// WithPrepended returns a copy of the template with newPatterns inserted at
// the front (highest priority) and the per-field-type cap re-applied. The
// receiver is not modified, so a concurrent reader holding the old template
// never observes a partially-applied update.
func (t *IssuerTemplate) WithPrepended(newPatterns []ExtractionPattern, maxPerField int, source PatternSource) *IssuerTemplate {
	merged := make([]ExtractionPattern, 0, len(newPatterns)+len(t.Patterns))
	merged = append(merged, newPatterns...)
	merged = append(merged, t.Patterns...)

	return &IssuerTemplate{
		IssuerCode:     t.IssuerCode,
		Patterns:       CapPerField(merged, maxPerField),
		ConfidenceBase: t.ConfidenceBase,
		LastUpdated:    time.Now().UTC(),
		UpdateSource:   source,
	}
}

// HasPattern reports whether the template already holds an exact-string
// duplicate of the given regex for the field type.
func (t *IssuerTemplate) HasPattern(ft FieldType, regex string) bool {
	for _, p := range t.Patterns {
		if p.FieldType == ft && p.Regex == regex {
			return true
		}
	}
	return false
}

// CapPerField enforces the bounded-collection invariant: at most maxPerField
// patterns are retained per field type, keeping the earliest (highest
// priority) occurrences. Order is preserved.
func CapPerField(patterns []ExtractionPattern, maxPerField int) []ExtractionPattern {
	if maxPerField <= 0 {
		return patterns
	}
	counts := make(map[FieldType]int, len(AllFieldTypes))
	out := make([]ExtractionPattern, 0, len(patterns))
	for _, p := range patterns {
		if counts[p.FieldType] >= maxPerField {
			continue
		}
		counts[p.FieldType]++
		out = append(out, p)
	}
	return out
}

// MerchantPattern is a merchant-level refinement of an issuer pattern,
// tracked with usage statistics. Its success rate serializes under its own
// tag: the embedded pattern already claims "success_rate" for its batch
// statistic.
type MerchantPattern struct {
	ExtractionPattern
	UsageCount  int     `json:"usage_count"`
	SuccessRate float64 `json:"observed_success_rate"`
}

// usageAlpha weights recent outcomes in the exponential success counter.
const usageAlpha = 0.2

// RecordUse returns a copy with the usage counter bumped and the success
// rate updated by exponential counting.
func (m MerchantPattern) RecordUse(success bool) MerchantPattern {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	m.UsageCount++
	if m.UsageCount == 1 {
		m.SuccessRate = outcome
	} else {
		m.SuccessRate = m.SuccessRate*(1-usageAlpha) + outcome*usageAlpha
	}
	return m
}

// MerchantPatternSet holds the merchant-specific refinements for one
// (tenant, issuer) pair, layered in front of the issuer template.
type MerchantPatternSet struct {
	TenantID   string            `json:"tenant_id"`
	IssuerCode string            `json:"issuer_code"`
	Patterns   []MerchantPattern `json:"patterns"`
}

// WithAdded returns a copy with the pattern appended, evicting the oldest
// entries when the cap is exceeded. Exact-regex duplicates are dropped.
func (s *MerchantPatternSet) WithAdded(p MerchantPattern, maxEntries int) *MerchantPatternSet {
	for _, existing := range s.Patterns {
		if existing.FieldType == p.FieldType && existing.Regex == p.Regex {
			return s
		}
	}

	patterns := make([]MerchantPattern, 0, len(s.Patterns)+1)
	patterns = append(patterns, s.Patterns...)
	patterns = append(patterns, p)
	if maxEntries > 0 && len(patterns) > maxEntries {
		patterns = patterns[len(patterns)-maxEntries:]
	}

	return &MerchantPatternSet{
		TenantID:   s.TenantID,
		IssuerCode: s.IssuerCode,
		Patterns:   patterns,
	}
}

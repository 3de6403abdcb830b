// Package extract implements the cheap extraction layer: issuer detection by
// keyword scoring, application of learned patterns to OCR text, and
// derivation of new candidate patterns from verified payments.
package extract

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/rielpay/payverify/internal/model"
)

const (
	// contextWindow bounds how much surrounding text is kept when a known
	// value is turned into a candidate pattern.
	contextWindow = 30

	// minPatternLength rejects trivially short candidates.
	minPatternLength = 5

	// maxDigitRun rejects candidates that pin a literal digit sequence and
	// would never generalize past one screenshot.
	maxDigitRun = 3

	// maxOccurrences caps how many occurrences of one value are mined from
	// a single text.
	maxOccurrences = 3

	ocrWeight  = 2.0
	hintWeight = 1.5

	// maxIssuerConfidence caps detection confidence: keywords alone never
	// reach full certainty.
	maxIssuerConfidence = 0.95
)

// Extraction is one field value pulled out of OCR text by a pattern.
type Extraction struct {
	Value      string
	Confidence float64
	Regex      string
}

// Extractor is the stateless pattern extractor. Safe for concurrent use.
type Extractor struct {
	registry *Registry
}

// NewExtractor creates an Extractor over the given issuer registry.
func NewExtractor(registry *Registry) *Extractor {
	return &Extractor{registry: registry}
}

// Registry exposes the issuer registry for fallback template lookups.
func (e *Extractor) Registry() *Registry {
	return e.registry
}

// DetectIssuer scores each known issuer's keywords against the OCR text
// (weight 2.0) and the optional hint (weight 1.5), normalized by the
// issuer's total keyword length. Returns UnknownIssuer when nothing scores.
// Deterministic for fixed inputs.
func (e *Extractor) DetectIssuer(ocrText, hint string) (string, float64) {
	lowerText := strings.ToLower(ocrText)
	lowerHint := strings.ToLower(hint)

	best := UnknownIssuer
	var bestScore float64

	for _, spec := range e.registry.Issuers {
		var score, totalLen float64
		for _, kw := range spec.Keywords {
			kwLower := strings.ToLower(kw)
			totalLen += float64(len(kw))
			if strings.Contains(lowerText, kwLower) {
				score += float64(len(kw)) * ocrWeight
			}
			if lowerHint != "" && strings.Contains(lowerHint, kwLower) {
				score += float64(len(kw)) * hintWeight
			}
		}
		if totalLen == 0 || score == 0 {
			continue
		}
		normalized := score / totalLen
		if normalized > bestScore {
			bestScore = normalized
			best = spec.Code
		}
	}

	if best == UnknownIssuer {
		return UnknownIssuer, 0
	}
	return best, math.Min(maxIssuerConfidence, bestScore*2)
}

// CandidatePatterns derives candidate regexes from a verified payment by
// locating each known-true value in the OCR text and substituting a generic
// capture group for it. Duplicates are not removed here; batch scoring
// handles aggregation.
func (e *Extractor) CandidatePatterns(ocrText string, verified model.VerifiedFields) map[model.FieldType][]string {
	out := make(map[model.FieldType][]string)

	add := func(ft model.FieldType, literal, class string) {
		if literal == "" {
			return
		}
		for _, p := range e.mineValue(ocrText, literal, class) {
			if normalized := NormalizePattern(p); normalized != "" {
				out[ft] = append(out[ft], normalized)
			}
		}
	}

	add(model.FieldRecipient, verified.Recipient, `([A-Za-z][A-Za-z .']+)`)
	add(model.FieldAccount, verified.Account, `(\d[\d\-\s]*\d)`)
	for _, rendering := range amountRenderings(verified.Amount) {
		add(model.FieldAmount, rendering, `([\d,]+(?:\.\d{1,2})?)`)
	}

	return out
}

// mineValue finds occurrences of literal in text and returns patterns built
// from a bounded context window with the literal replaced by class.
func (e *Extractor) mineValue(text, literal, class string) []string {
	var patterns []string
	lowerText := strings.ToLower(text)
	lowerLit := strings.ToLower(literal)

	from := 0
	for found := 0; found < maxOccurrences; found++ {
		idx := strings.Index(lowerText[from:], lowerLit)
		if idx < 0 {
			break
		}
		idx += from

		start := idx - contextWindow
		if start < 0 {
			start = 0
		}
		end := idx + len(literal) + contextWindow
		if end > len(text) {
			end = len(text)
		}

		before := regexp.QuoteMeta(text[start:idx])
		after := regexp.QuoteMeta(text[idx+len(literal) : end])
		patterns = append(patterns, before+class+after)

		from = idx + len(literal)
	}
	return patterns
}

// amountRenderings returns the textual formats an amount is searched in:
// raw integer, thousands-separated, and two-decimal.
func amountRenderings(amount float64) []string {
	if amount <= 0 {
		return nil
	}

	var out []string
	if amount == math.Trunc(amount) {
		raw := fmt.Sprintf("%.0f", amount)
		out = append(out, raw, thousands(raw))
	}
	out = append(out, fmt.Sprintf("%.2f", amount))
	return out
}

func thousands(digits string) string {
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizePattern validates a candidate pattern. It returns "" for
// candidates under minPatternLength characters, candidates without a capture
// group, candidates with a digit repeated more than maxDigitRun times, and
// candidates that do not compile.
func NormalizePattern(p string) string {
	p = strings.TrimSpace(p)
	if len(p) < minPatternLength {
		return ""
	}
	if hasLongDigitRun(p) {
		return ""
	}

	re, err := regexp.Compile(p)
	if err != nil {
		return ""
	}
	if re.NumSubexp() < 1 {
		return ""
	}
	return p
}

// hasLongDigitRun reports whether p contains the same digit more than
// maxDigitRun times in a row. Such runs mean the pattern memorized one
// specific screenshot.
func hasLongDigitRun(p string) bool {
	run := 0
	var prev byte
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c >= '0' && c <= '9' && c == prev {
			run++
			if run > maxDigitRun {
				return true
			}
		} else if c >= '0' && c <= '9' {
			run = 1
		} else {
			run = 0
		}
		prev = c
	}
	return false
}

// Apply runs the patterns against the OCR text in priority order and returns
// the first match per field type. Invalid patterns are skipped, never
// aborting the whole extraction.
func (e *Extractor) Apply(patterns []model.ExtractionPattern, ocrText string) map[model.FieldType]Extraction {
	out := make(map[model.FieldType]Extraction, len(model.AllFieldTypes))

	for _, p := range patterns {
		if _, done := out[p.FieldType]; done {
			continue
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			zap.L().Debug("extract: skipping invalid pattern",
				zap.String("field", string(p.FieldType)),
				zap.String("regex", p.Regex),
				zap.Error(err),
			)
			continue
		}
		m := re.FindStringSubmatch(ocrText)
		if len(m) < 2 || strings.TrimSpace(m[1]) == "" {
			continue
		}
		out[p.FieldType] = Extraction{
			Value:      strings.TrimSpace(m[1]),
			Confidence: p.Confidence,
			Regex:      p.Regex,
		}
	}

	return out
}

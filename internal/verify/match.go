package verify

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultAmountTolerance allows small OCR rounding drift on amounts.
const DefaultAmountTolerance = 0.05

// nameMatchThreshold is the fraction of expected name tokens that must
// appear in the extracted text.
const nameMatchThreshold = 0.5

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeName folds diacritics, uppercases and collapses everything that
// is not a letter or digit into single spaces. OCR output for the same name
// varies in casing and punctuation; comparisons happen in this folded form.
func NormalizeName(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToUpper(r))
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// NameMatches reports whether the extracted recipient matches any of the
// expected names. A name matches when at least half of its tokens appear in
// the extracted text, so "JOHN DOE" still matches "MR JOHN DOE" or a partial
// OCR read of either token.
func NameMatches(extracted string, expected []string) bool {
	got := NormalizeName(extracted)
	if got == "" {
		return false
	}
	gotTokens := make(map[string]bool)
	for _, tok := range strings.Fields(got) {
		gotTokens[tok] = true
	}

	for _, name := range expected {
		tokens := strings.Fields(NormalizeName(name))
		if len(tokens) == 0 {
			continue
		}
		hits := 0
		for _, tok := range tokens {
			if gotTokens[tok] {
				hits++
			}
		}
		if float64(hits)/float64(len(tokens)) >= nameMatchThreshold {
			return true
		}
	}
	return false
}

// NormalizeAccount strips everything but digits so "012-345-678" and
// "012 345 678" compare equal.
func NormalizeAccount(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// AccountMatches compares accounts in digit-normalized form.
func AccountMatches(extracted, expected string) bool {
	got := NormalizeAccount(extracted)
	want := NormalizeAccount(expected)
	return got != "" && got == want
}

// ParseAmount parses an OCR amount string, tolerating thousands separators.
func ParseAmount(s string) (float64, bool) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if cleaned == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// AmountMatches reports whether the extracted amount is within the relative
// tolerance of the expected amount.
func AmountMatches(extracted string, expected, tolerance float64) bool {
	got, ok := ParseAmount(extracted)
	if !ok {
		return false
	}
	if expected == 0 {
		return got == 0
	}
	return math.Abs(got-expected) <= tolerance*math.Abs(expected)
}

package extract

import (
	_ "embed"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/rielpay/payverify/internal/model"
)

// UnknownIssuer is returned when no issuer keyword scores against the text.
const UnknownIssuer = "Unknown"

//go:embed issuers.yaml
var embeddedRegistry []byte

// IssuerSpec describes one known payment issuer: the keywords that identify
// its screenshots and the built-in fallback patterns used when nothing has
// been learned for it yet.
type IssuerSpec struct {
	Code     string            `yaml:"code"`
	Keywords []string          `yaml:"keywords"`
	Fallback []FallbackPattern `yaml:"fallback"`
}

// FallbackPattern is a hand-written extraction pattern shipped with the
// registry.
type FallbackPattern struct {
	Field      model.FieldType `yaml:"field"`
	Regex      string          `yaml:"regex"`
	Confidence float64         `yaml:"confidence"`
}

// Registry holds the known issuers.
type Registry struct {
	Issuers []IssuerSpec `yaml:"issuers"`
}

// LoadRegistry reads an issuer registry from a YAML file. An empty path
// loads the embedded default registry.
func LoadRegistry(path string) (*Registry, error) {
	data := embeddedRegistry
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "extract: read registry %s", path)
		}
	}

	var wrapper struct {
		Registry Registry `yaml:"registry"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "extract: parse registry")
	}
	if len(wrapper.Registry.Issuers) == 0 {
		return nil, eris.New("extract: registry has no issuers")
	}

	return &wrapper.Registry, nil
}

// Spec returns the spec for an issuer code, or nil if unknown.
func (r *Registry) Spec(code string) *IssuerSpec {
	for i := range r.Issuers {
		if r.Issuers[i].Code == code {
			return &r.Issuers[i]
		}
	}
	return nil
}

// FallbackTemplate builds an issuer template from the registry's built-in
// patterns. It guarantees the pipeline degrades gracefully for issuers with
// no learned template instead of failing outright.
func (r *Registry) FallbackTemplate(code string) *model.IssuerTemplate {
	spec := r.Spec(code)
	if spec == nil || len(spec.Fallback) == 0 {
		// Generic patterns apply when the issuer itself is unknown.
		return genericFallbackTemplate(code)
	}

	patterns := make([]model.ExtractionPattern, 0, len(spec.Fallback))
	for i, fp := range spec.Fallback {
		patterns = append(patterns, model.ExtractionPattern{
			FieldType:  fp.Field,
			Regex:      fp.Regex,
			Confidence: fp.Confidence,
			Priority:   i,
			Source:     model.SourceFallback,
			LearnedAt:  time.Time{},
		})
	}

	return &model.IssuerTemplate{
		IssuerCode:     code,
		Patterns:       patterns,
		ConfidenceBase: 0.5,
		UpdateSource:   model.SourceFallback,
	}
}

// genericFallbackTemplate covers never-seen issuers with format-agnostic
// patterns.
func genericFallbackTemplate(code string) *model.IssuerTemplate {
	return &model.IssuerTemplate{
		IssuerCode:     code,
		ConfidenceBase: 0.4,
		UpdateSource:   model.SourceFallback,
		Patterns: []model.ExtractionPattern{
			{
				FieldType:  model.FieldAmount,
				Regex:      `(?i)(?:amount|total|paid)\s*:?\s*([\d,]+(?:\.\d{1,2})?)`,
				Confidence: 0.5,
				Priority:   0,
				Source:     model.SourceFallback,
			},
			{
				FieldType:  model.FieldAccount,
				Regex:      `(?i)(?:account|acc|a/c)\s*(?:no\.?|number)?\s*:?\s*(\d[\d\-\s]{5,}\d)`,
				Confidence: 0.5,
				Priority:   0,
				Source:     model.SourceFallback,
			},
			{
				FieldType:  model.FieldRecipient,
				Regex:      `(?i)(?:to|recipient|paid to)\s*:?\s*([A-Z][A-Za-z .']{2,40})`,
				Confidence: 0.4,
				Priority:   0,
				Source:     model.SourceFallback,
			},
		},
	}
}

package cost

// Rates holds pricing configuration for the verification paths.
type Rates struct {
	Vision       map[string]ModelRate `yaml:"vision" mapstructure:"vision"`
	PatternMatch float64              `yaml:"pattern_match" mapstructure:"pattern_match"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
	// TypicalCall is the flat estimate used when a call was avoided and no
	// real token counts exist.
	TypicalCall float64 `yaml:"typical_call" mapstructure:"typical_call"`
}

// Calculator computes costs for verification paths.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Vision computes the cost of one vision model call from token counts.
func (c *Calculator) Vision(model string, input, output int64) float64 {
	rate, ok := c.rates.Vision[model]
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// AvoidedVisionCost returns the flat estimate of what one vision call would
// have cost. Used to value a verification that the pattern path resolved.
func (c *Calculator) AvoidedVisionCost(model string) float64 {
	rate, ok := c.rates.Vision[model]
	if !ok {
		return 0
	}
	return rate.TypicalCall
}

// PatternMatch returns the nominal cost of the cheap path, effectively zero.
func (c *Calculator) PatternMatch() float64 {
	return c.rates.PatternMatch
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Vision: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00, TypicalCall: 0.004,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00, TypicalCall: 0.015,
			},
		},
		PatternMatch: 0,
	}
}

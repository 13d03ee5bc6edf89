package cost

import (
	"strings"

	"github.com/sells-group/enrich-cli/internal/model"
)

// Rates holds per-provider pricing configuration.
type Rates struct {
	LLM    map[string]ModelRate `yaml:"llm" mapstructure:"llm"`
	Apollo CreditRate           `yaml:"apollo" mapstructure:"apollo"`
	Jina   JinaRate             `yaml:"jina" mapstructure:"jina"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// CreditRate prices credit-metered enrichment providers.
type CreditRate struct {
	PerCredit float64 `yaml:"per_credit" mapstructure:"per_credit"`
}

// JinaRate holds Jina Reader and Search pricing.
type JinaRate struct {
	PerMTok   float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
	PerSearch float64 `yaml:"per_search" mapstructure:"per_search"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Tokens computes the cost of a language-model call. Unknown models cost 0.
// Rates loaded from config key model names with dots replaced by
// underscores, so both spellings resolve.
func (c *Calculator) Tokens(modelName string, input, output int64) float64 {
	rate, ok := c.rates.LLM[modelName]
	if !ok {
		rate, ok = c.rates.LLM[strings.ReplaceAll(modelName, ".", "_")]
	}
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// Credits computes the cost of enrichment provider credits.
func (c *Calculator) Credits(n int64) float64 {
	return float64(n) * c.rates.Apollo.PerCredit
}

// Jina computes the cost for Jina Reader token usage.
func (c *Calculator) Jina(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Jina.PerMTok
}

// Searches returns the flat cost for n search queries.
func (c *Calculator) Searches(n int) float64 {
	return float64(n) * c.rates.Jina.PerSearch
}

// Stage estimates the USD cost of one stage's reported usage, pricing its
// tokens at modelName and its credits at the enrichment provider rate.
// Search queries are read from the "searches" specific metric.
func (c *Calculator) Stage(modelName string, a model.StageAnalytics) float64 {
	total := c.Tokens(modelName, a.InputTokens, a.OutputTokens)
	total += c.Credits(a.CreditUnits)
	if n, ok := a.Specific["searches"]; ok {
		total += c.Searches(int(n))
	}
	return total
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		LLM: map[string]ModelRate{
			"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"gemini-2.5-flash":           {Input: 0.30, Output: 2.50},
		},
		Apollo: CreditRate{PerCredit: 0.025},
		Jina:   JinaRate{PerMTok: 0.02, PerSearch: 0.001},
	}
}

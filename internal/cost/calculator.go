package cost

import (
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/facet-labs/gemlens/internal/model"
)

// ModelRate holds per-model token pricing (per thousand tokens).
type ModelRate struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Rates is the per-model price table.
type Rates struct {
	Models map[string]ModelRate `yaml:"models"`
}

// LoadRatesFile reads a standalone YAML price table.
func LoadRatesFile(path string) (Rates, error) {
	var r Rates
	raw, err := os.ReadFile(path)
	if err != nil {
		return r, eris.Wrapf(err, "cost: read rates file %s", path)
	}
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return r, eris.Wrapf(err, "cost: parse rates file %s", path)
	}
	return r, nil
}

// Accountant computes monetary cost from provider-reported token usage.
// Unknown model identifiers fail closed: no silent zero-cost figures.
type Accountant struct {
	rates Rates
}

// NewAccountant creates an Accountant with the given rates.
func NewAccountant(rates Rates) *Accountant {
	return &Accountant{rates: rates}
}

// Known reports whether pricing exists for the model. Checked at startup so
// a bad model table surfaces before any request is sent.
func (a *Accountant) Known(modelID string) bool {
	_, ok := a.rates.Models[modelID]
	return ok
}

// Cost computes the USD cost for one call from reported usage:
// (input/1000 x input rate) + (output/1000 x output rate).
func (a *Accountant) Cost(modelID string, usage model.TokenUsage) (float64, error) {
	rate, ok := a.rates.Models[modelID]
	if !ok {
		return 0, eris.Errorf("cost: no pricing for model %q", modelID)
	}
	in := (float64(usage.InputTokens) / 1000) * rate.InputPer1K
	out := (float64(usage.OutputTokens) / 1000) * rate.OutputPer1K
	return in + out, nil
}

// LogCost logs token usage and computed cost with structured fields.
func (a *Accountant) LogCost(modelID, itemID string, usage model.TokenUsage, costUSD float64) {
	zap.L().Info("cost attribution",
		zap.String("model", modelID),
		zap.String("item", itemID),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Float64("cost_usd", costUSD),
	)
}

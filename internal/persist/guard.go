// Package persist implements the merge policy between AI-derived values and
// the item's curated fields. The single most important property of the
// whole pipeline: manual curation is never silently overwritten.
package persist

import (
	"go.uber.org/zap"

	"github.com/facet-labs/gemlens/internal/model"
)

// Skip reasons recorded on fields withheld from the merge.
const (
	SkipManualPresent  = "manual value present"
	SkipBelowThreshold = "below write threshold"
)

// Guard evaluates the per-attribute merge policy.
type Guard struct {
	threshold float64
}

// NewGuard creates a Guard with the given write-confidence threshold
// (inclusive on the high side).
func NewGuard(threshold float64) *Guard {
	return &Guard{threshold: threshold}
}

// Threshold returns the configured write threshold.
func (g *Guard) Threshold() float64 {
	return g.threshold
}

// Apply decides, per extracted field, whether the derived value may be
// written: only when the manual field is empty AND resolved confidence is
// at or above the threshold. It returns the derived updates to persist and
// the fields annotated with their merge decision for audit. Withheld fields
// are never an error.
func (g *Guard) Apply(item *model.Item, fields []model.ExtractedField) (model.FieldSet, []model.ExtractedField) {
	updates := make(model.FieldSet)
	annotated := make([]model.ExtractedField, len(fields))

	for i, f := range fields {
		annotated[i] = f

		if manual, ok := item.Manual.Get(f.Attribute); ok {
			annotated[i].Written = false
			annotated[i].SkipReason = SkipManualPresent
			zap.L().Debug("persist: manual field wins",
				zap.String("item", item.ID),
				zap.String("attribute", string(f.Attribute)),
				zap.String("manual", manual),
				zap.String("derived", f.Value),
			)
			continue
		}

		if f.Confidence < g.threshold {
			annotated[i].Written = false
			annotated[i].SkipReason = SkipBelowThreshold
			continue
		}

		annotated[i].Written = true
		updates[f.Attribute] = f.Value
	}

	return updates, annotated
}

// Succeeded reports whether the run counts as fully succeeded: every
// mandatory attribute resolved at or above the threshold. A mandatory
// attribute covered by a manual value also counts as satisfied.
func (g *Guard) Succeeded(item *model.Item, fields []model.ExtractedField) bool {
	for _, attr := range model.MandatoryAttributes {
		if _, ok := item.Manual.Get(attr); ok {
			continue
		}
		satisfied := false
		for _, f := range fields {
			if f.Attribute == attr && f.Confidence >= g.threshold {
				satisfied = true
				break
			}
		}
		if !satisfied {
			return false
		}
	}
	return true
}

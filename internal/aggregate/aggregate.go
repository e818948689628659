// Package aggregate reconciles the per-image measurement observations of
// one run into a single resolved value per attribute. Selection is an
// explicit reduction over the observation list — never in-place mutation of
// a running best — so provenance stays auditable.
package aggregate

import (
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/facet-labs/gemlens/internal/model"
)

// vocabAttrs are the attributes recoverable from free text when no
// structured observation exists.
var vocabAttrs = []model.Attribute{model.AttrColor, model.AttrCut}

// colorVocabulary lists recognized color terms in match order; first match
// wins. Multi-word terms precede their substrings.
var colorVocabulary = []string{
	"near colorless", "colorless", "fancy yellow", "canary yellow",
	"champagne", "cognac", "white", "yellow", "blue", "pink", "red",
	"green", "purple", "violet", "orange", "brown", "black", "gray", "grey",
}

// cutVocabulary lists recognized cut/shape terms in match order.
var cutVocabulary = []string{
	"round brilliant", "old european", "old mine", "rose cut", "step cut",
	"round", "oval", "cushion", "princess", "emerald", "asscher",
	"marquise", "pear", "radiant", "heart", "trillion", "baguette",
	"cabochon",
}

var titleCaser = cases.Title(language.English)

// Aggregator reconciles observations under a free-text discount factor.
type Aggregator struct {
	freeTextCap float64
}

// New creates an Aggregator. freeTextCap is the discount factor applied to
// confidences resolved through free-text fallback.
func New(freeTextCap float64) *Aggregator {
	if freeTextCap <= 0 || freeTextCap > 1 {
		freeTextCap = 0.6
	}
	return &Aggregator{freeTextCap: freeTextCap}
}

// Resolve selects one ExtractedField per attribute from the run's
// observations. Attributes with no observation at all are absent from the
// result, never zero-valued.
func (a *Aggregator) Resolve(obs []model.MeasurementObservation, images []model.ImageAnalysis) []model.ExtractedField {
	byAttr := make(map[model.Attribute][]model.MeasurementObservation)
	for _, o := range obs {
		if o.Value == "" {
			continue
		}
		byAttr[o.Attribute] = append(byAttr[o.Attribute], o)
	}

	// Free-text fallback for vocabulary attributes with no structured
	// observation: scan image notes in ordinal order.
	for _, attr := range vocabAttrs {
		if len(byAttr[attr]) > 0 {
			continue
		}
		if o, ok := fallbackFromNotes(attr, images); ok {
			byAttr[attr] = append(byAttr[attr], o)
		}
	}

	var fields []model.ExtractedField
	for _, attr := range model.Attributes {
		candidates := byAttr[attr]
		if len(candidates) == 0 {
			continue
		}

		winner := selectBest(candidates)
		field := model.ExtractedField{
			Attribute:     attr,
			Value:         winner.Value,
			Confidence:    winner.Confidence,
			Method:        winner.Method,
			ImageOrdinal:  winner.ImageOrdinal,
			RawConfidence: winner.Confidence,
		}

		if winner.Method == model.MethodFreeText {
			field.Fallback = true
			field.Confidence = winner.Confidence * a.freeTextCap
			if canonical, ok := matchVocabulary(attr, winner.Value); ok {
				field.Value = canonical
			}
		}

		zap.L().Debug("aggregate: resolved attribute",
			zap.String("attribute", string(attr)),
			zap.String("value", field.Value),
			zap.Float64("confidence", field.Confidence),
			zap.String("method", string(field.Method)),
			zap.Int("candidates", len(candidates)),
		)
		fields = append(fields, field)
	}

	return fields
}

// selectBest picks the maximum-confidence observation; ties break by method
// precedence (instrument over direct over free-text), then by earliest
// image ordinal.
func selectBest(candidates []model.MeasurementObservation) model.MeasurementObservation {
	sorted := make([]model.MeasurementObservation, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Method.Rank() != b.Method.Rank() {
			return a.Method.Rank() > b.Method.Rank()
		}
		return a.ImageOrdinal < b.ImageOrdinal
	})
	return sorted[0]
}

// fallbackFromNotes scans per-image free text for a vocabulary term,
// producing a neutral-confidence free-text observation on first match.
func fallbackFromNotes(attr model.Attribute, images []model.ImageAnalysis) (model.MeasurementObservation, bool) {
	sorted := make([]model.ImageAnalysis, len(images))
	copy(sorted, images)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	for _, img := range sorted {
		if img.Notes == "" {
			continue
		}
		if canonical, ok := matchVocabulary(attr, img.Notes); ok {
			return model.MeasurementObservation{
				Attribute:    attr,
				Value:        canonical,
				Confidence:   0.5,
				ImageOrdinal: img.Ordinal,
				Method:       model.MethodFreeText,
			}, true
		}
	}
	return model.MeasurementObservation{}, false
}

// matchVocabulary finds the first recognized term for attr inside text,
// case-insensitive, returning its display-canonical form.
func matchVocabulary(attr model.Attribute, text string) (string, bool) {
	var vocab []string
	switch attr {
	case model.AttrColor:
		vocab = colorVocabulary
	case model.AttrCut:
		vocab = cutVocabulary
	default:
		return "", false
	}

	lower := strings.ToLower(text)
	for _, term := range vocab {
		if strings.Contains(lower, term) {
			return titleCaser.String(term), true
		}
	}
	return "", false
}

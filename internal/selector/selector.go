// Package selector scores candidate images and picks one as the item's
// primary display image.
package selector

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/facet-labs/gemlens/internal/model"
)

// disqualifyTerms exclude an image from candidacy when the model flags its
// content as something other than a usable photo of the stone.
var disqualifyTerms = []string{
	"measurement tool",
	"measuring tool",
	"instrument",
	"label only",
	"label",
	"certificate",
	"out of focus",
	"blurry",
}

// FallbackReason is recorded when every candidate was disqualified and the
// selection fell back to the first image.
const FallbackReason = "all candidates disqualified; fell back to first image"

// Selector computes composite scores under configurable sub-score weights.
type Selector struct {
	weights model.SelectionWeights
}

// New creates a Selector. Zero-valued weights fall back to equal weighting.
func New(weights model.SelectionWeights) *Selector {
	if weightSum(weights) <= 0 {
		weights = model.DefaultSelectionWeights()
	}
	return &Selector{weights: weights}
}

// Select scores every analyzed image and returns the winning selection plus
// the full per-image scoring record for annotation. Returns nil when there
// are no analyzed images at all.
func (s *Selector) Select(images []model.ImageAnalysis) (*model.PrimaryImageSelection, []model.ImageScore) {
	if len(images) == 0 {
		return nil, nil
	}

	sorted := make([]model.ImageAnalysis, len(images))
	copy(sorted, images)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })

	scores := make([]model.ImageScore, 0, len(sorted))
	var winner *model.ImageScore

	for _, img := range sorted {
		sub := img.Scores
		if !img.ScoresSeen {
			sub = model.SubScores{Focus: 0.5, Lighting: 0.5, Background: 0.5, ColorFidelity: 0.5, Visibility: 0.5}
		}

		score := model.ImageScore{
			Ordinal:   img.Ordinal,
			Scores:    sub,
			Composite: s.composite(sub),
		}

		if reason, bad := disqualified(img.ContentFlags); bad {
			score.Disqualified = true
			score.DisqualifyReason = reason
			scores = append(scores, score)
			continue
		}

		scores = append(scores, score)
		// Strictly-greater keeps the lowest ordinal on ties.
		if winner == nil || score.Composite > winner.Composite {
			w := score
			winner = &w
		}
	}

	if winner == nil {
		// Every image was disqualified; the item still needs a display
		// image, so fall back to the first one with a recorded reason.
		first := scores[0]
		zap.L().Warn("selector: all images disqualified",
			zap.Int("images", len(scores)),
			zap.String("fallback_reason", first.DisqualifyReason),
		)
		return &model.PrimaryImageSelection{
			Ordinal:   first.Ordinal,
			Composite: first.Composite,
			Scores:    first.Scores,
			Reason:    FallbackReason,
		}, scores
	}

	return &model.PrimaryImageSelection{
		Ordinal:   winner.Ordinal,
		Composite: winner.Composite,
		Scores:    winner.Scores,
	}, scores
}

func (s *Selector) composite(sub model.SubScores) float64 {
	w := s.weights
	total := weightSum(w)
	return (sub.Focus*w.Focus +
		sub.Lighting*w.Lighting +
		sub.Background*w.Background +
		sub.ColorFidelity*w.ColorFidelity +
		sub.Visibility*w.Visibility) / total
}

func weightSum(w model.SelectionWeights) float64 {
	return w.Focus + w.Lighting + w.Background + w.ColorFidelity + w.Visibility
}

func disqualified(flags []string) (string, bool) {
	for _, f := range flags {
		lower := strings.ToLower(f)
		for _, term := range disqualifyTerms {
			if strings.Contains(lower, term) {
				return f, true
			}
		}
	}
	return "", false
}

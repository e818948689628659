package model

// SubScores holds the model-reported quality sub-scores for one image, each
// in [0,1]. Missing sub-scores default to a neutral 0.5 before scoring.
type SubScores struct {
	Focus         float64 `json:"focus"`
	Lighting      float64 `json:"lighting"`
	Background    float64 `json:"background"`
	ColorFidelity float64 `json:"color_fidelity"`
	Visibility    float64 `json:"visibility"`
}

// SelectionWeights weights the sub-scores in the composite. Weights are
// normalized at scoring time, so any positive scale works.
type SelectionWeights struct {
	Focus         float64 `json:"focus" mapstructure:"focus"`
	Lighting      float64 `json:"lighting" mapstructure:"lighting"`
	Background    float64 `json:"background" mapstructure:"background"`
	ColorFidelity float64 `json:"color_fidelity" mapstructure:"color_fidelity"`
	Visibility    float64 `json:"visibility" mapstructure:"visibility"`
}

// DefaultSelectionWeights returns equal weighting across all sub-scores.
func DefaultSelectionWeights() SelectionWeights {
	return SelectionWeights{
		Focus:         1,
		Lighting:      1,
		Background:    1,
		ColorFidelity: 1,
		Visibility:    1,
	}
}

// ImageScore is the scored candidacy of one image within a run.
type ImageScore struct {
	Ordinal          int       `json:"ordinal"`
	Scores           SubScores `json:"scores"`
	Composite        float64   `json:"composite"`
	Disqualified     bool      `json:"disqualified,omitempty"`
	DisqualifyReason string    `json:"disqualify_reason,omitempty"`
}

// PrimaryImageSelection is the winning image for display. Recomputed every
// run; the latest selection supersedes prior ones.
type PrimaryImageSelection struct {
	Ordinal   int       `json:"ordinal"`
	Composite float64   `json:"composite"`
	Scores    SubScores `json:"scores"`
	// Reason is set when the selection fell back (all candidates
	// disqualified) rather than winning on score.
	Reason string `json:"reason,omitempty"`
}

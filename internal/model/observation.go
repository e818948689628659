package model

// ExtractionMethod tags how an observation was obtained from the response.
type ExtractionMethod string

const (
	MethodInstrument ExtractionMethod = "instrument-reading"
	MethodDirect     ExtractionMethod = "direct-field"
	MethodFreeText   ExtractionMethod = "free-text-regex"
)

// methodRank orders methods for tie-breaking: instrument readings beat
// direct fields beat free-text matches.
var methodRank = map[ExtractionMethod]int{
	MethodInstrument: 3,
	MethodDirect:     2,
	MethodFreeText:   1,
}

// Rank returns the tie-break precedence of the method (higher wins).
func (m ExtractionMethod) Rank() int {
	return methodRank[m]
}

// MeasurementObservation is a single reported value for one attribute,
// sourced from one per-image analysis. Many observations may exist per
// attribute per run; exactly one is selected as the resolved value.
type MeasurementObservation struct {
	Attribute    Attribute        `json:"attribute"`
	Value        string           `json:"value"`
	Confidence   float64          `json:"confidence"`
	ImageOrdinal int              `json:"image_ordinal"`
	Method       ExtractionMethod `json:"method"`
}

// ExtractedField is the resolved attribute-level output: the winning value,
// its resolved confidence, and provenance back to the winning observation.
type ExtractedField struct {
	Attribute    Attribute        `json:"attribute"`
	Value        string           `json:"value"`
	Confidence   float64          `json:"confidence"`
	Method       ExtractionMethod `json:"method"`
	ImageOrdinal int              `json:"image_ordinal"`
	// Fallback marks values recovered by vocabulary matching over free
	// text; their confidence is capped below the raw observation's.
	Fallback bool `json:"fallback,omitempty"`
	// RawConfidence preserves the winning observation's confidence before
	// any fallback discount.
	RawConfidence float64 `json:"raw_confidence,omitempty"`
	// Written and SkipReason record the merge decision for audit.
	Written    bool   `json:"written"`
	SkipReason string `json:"skip_reason,omitempty"`
}

// ImageAnalysis is the normalized per-image portion of a model response:
// quality sub-scores, content flags, and whatever free text the model chose
// to include.
type ImageAnalysis struct {
	Ordinal      int           `json:"ordinal"`
	Scores       SubScores     `json:"scores"`
	ScoresSeen   bool          `json:"scores_seen"`
	ContentFlags []string      `json:"content_flags,omitempty"`
	Notes        string        `json:"notes,omitempty"`
}

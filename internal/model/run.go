package model

import "time"

// RunStatus represents the terminal (or in-flight) state of an analysis run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusPartial   RunStatus = "partially_extracted"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final. Terminal items are never
// re-attempted unless the worklist is explicitly reset.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusPartial, RunStatusFailed:
		return true
	}
	return false
}

// Failure reasons recorded on failed runs.
const (
	ReasonUnparseable    = "unparseable_response"
	ReasonProviderError  = "provider_error"
	ReasonImageFetch     = "image_fetch_failed"
	ReasonNoImages       = "no_usable_images"
	ReasonPersistFailure = "persist_failed"
)

// TokenUsage tracks provider-reported token consumption. Counts are always
// taken from the provider response, never estimated, so cost figures
// reconcile with external billing.
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add accumulates usage from another call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// AnalysisRun is one pipeline execution for one Item. Multiple runs may
// exist per Item; the latest wins for display, all are retained for audit.
type AnalysisRun struct {
	ID          string     `json:"id"`
	ItemID      string     `json:"item_id"`
	Model       string     `json:"model"`
	Status      RunStatus  `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	RawResponse string     `json:"raw_response,omitempty"`
	Result      *RunResult `json:"result,omitempty"`
	Usage       TokenUsage `json:"usage"`
	CostUSD     float64    `json:"cost_usd"`
	DurationMS  int64      `json:"duration_ms"`
	CreatedAt   time.Time  `json:"created_at"`
}

// RunResult holds the structured outcome of a run.
type RunResult struct {
	Fields    []ExtractedField       `json:"fields"`
	Primary   *PrimaryImageSelection `json:"primary,omitempty"`
	ImagesIn  int                    `json:"images_in"`
	ImagesOut int                    `json:"images_sent"`
	Shape     string                 `json:"shape,omitempty"`
}

// Field returns the extracted field for attr, if present.
func (r *RunResult) Field(attr Attribute) (ExtractedField, bool) {
	for _, f := range r.Fields {
		if f.Attribute == attr {
			return f, true
		}
	}
	return ExtractedField{}, false
}

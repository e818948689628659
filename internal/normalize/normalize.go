// Package normalize maps heterogeneous vision model output into an internal
// variant set. The model is not guaranteed to follow any requested schema:
// observed responses include a consolidated object with an aggregate
// section, a bare array of per-image analyses, a mixture of both, and
// malformed or truncated JSON. Each observed shape gets its own handler so
// format drift stays isolated from the rest of the pipeline.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/facet-labs/gemlens/internal/model"
)

// Shape identifies one known top-level response structure.
type Shape string

const (
	ShapeAggregated Shape = "aggregated"
	ShapePerImage   Shape = "per_image"
	ShapeMixed      Shape = "mixed"
)

// ErrUnparseable marks a response that could not be recovered into JSON.
// Runs hitting it are failed with reason unparseable_response; there is no
// partial credit.
var ErrUnparseable = eris.New("normalize: unparseable response")

// AggregateOrdinal is the provenance ordinal recorded for observations that
// came from the model's consolidated aggregate section rather than a single
// image.
const AggregateOrdinal = -1

// Result is the normalized structure extracted from one response.
type Result struct {
	Shape        Shape
	Observations []model.MeasurementObservation
	Images       []model.ImageAnalysis
}

// Normalize parses a raw response body and routes it through the handler
// for its classified shape.
func Normalize(body string) (*Result, error) {
	doc, arr, err := recoverJSON(body)
	if err != nil {
		return nil, err
	}

	// A bare top-level array is the per-image variant with no aggregate.
	if arr != nil {
		res := &Result{Shape: ShapePerImage}
		extractPerImage(arr, res)
		return res, nil
	}

	agg, hasAgg := firstKey(doc, "aggregate", "aggregated", "summary", "overall")
	imgs, hasImgs := firstKey(doc, "images", "per_image", "analyses", "image_analyses")

	var imgArr []json.RawMessage
	if hasImgs {
		if err := json.Unmarshal(imgs, &imgArr); err != nil {
			hasImgs = false
		}
	}

	res := &Result{}
	switch {
	case hasAgg && hasImgs:
		res.Shape = ShapeMixed
		extractAggregate(agg, res)
		extractPerImage(imgArr, res)
	case hasAgg:
		res.Shape = ShapeAggregated
		extractAggregate(agg, res)
	case hasImgs:
		res.Shape = ShapePerImage
		extractPerImage(imgArr, res)
	default:
		// Valid JSON that matches no known variant: treat as the
		// per-image shape with an empty aggregate, since per-image data
		// is the most reliably present content across variants.
		zap.L().Warn("normalize: response matched no known shape",
			zap.Int("top_level_keys", len(doc)),
		)
		res.Shape = ShapePerImage
	}

	return res, nil
}

// recoverJSON attempts a strict parse of the whole body, then falls back to
// the largest brace-delimited span (greedy to the last closing delimiter).
func recoverJSON(body string) (map[string]json.RawMessage, []json.RawMessage, error) {
	text := strings.TrimSpace(body)

	// Strip markdown code fences the model sometimes insists on.
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	if doc, arr, ok := tryParse(text); ok {
		return doc, arr, nil
	}

	// Greedy span recovery: first opening delimiter to the matching last
	// closing one, preferring the larger span when both kinds appear.
	obj := span(text, '{', '}')
	list := span(text, '[', ']')
	if len(list) > len(obj) {
		obj = list
	}
	if obj != "" {
		if doc, arr, ok := tryParse(obj); ok {
			return doc, arr, nil
		}
	}

	return nil, nil, ErrUnparseable
}

func span(text string, open, close byte) string {
	start := strings.IndexByte(text, open)
	end := strings.LastIndexByte(text, close)
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func tryParse(text string) (map[string]json.RawMessage, []json.RawMessage, bool) {
	if strings.HasPrefix(text, "[") {
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(text), &arr); err == nil {
			return nil, arr, true
		}
		return nil, nil, false
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &doc); err == nil {
		return doc, nil, true
	}
	return nil, nil, false
}

func firstKey(doc map[string]json.RawMessage, keys ...string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := doc[k]; ok && string(v) != "null" {
			return v, true
		}
	}
	return nil, false
}

// extractAggregate pulls observations from the consolidated section:
// {"attribute": {"value": ..., "confidence": ...}} or bare scalars.
func extractAggregate(raw json.RawMessage, res *Result) {
	var agg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &agg); err != nil {
		zap.L().Warn("normalize: aggregate section not an object", zap.Error(err))
		return
	}

	for _, attr := range model.Attributes {
		v, ok := agg[string(attr)]
		if !ok {
			continue
		}

		var entry struct {
			Value      json.RawMessage `json:"value"`
			Confidence *float64        `json:"confidence"`
			Method     string          `json:"method"`
		}
		value, conf, method := "", 0.5, model.MethodDirect
		if err := json.Unmarshal(v, &entry); err == nil && entry.Value != nil {
			value = asString(entry.Value)
			if entry.Confidence != nil {
				conf = clamp01(*entry.Confidence)
			}
			method = asMethod(entry.Method)
		} else {
			value = asString(v)
		}
		if value == "" {
			continue
		}

		res.Observations = append(res.Observations, model.MeasurementObservation{
			Attribute:    attr,
			Value:        value,
			Confidence:   conf,
			ImageOrdinal: AggregateOrdinal,
			Method:       method,
		})
	}
}

// perImageEntry tolerates the field-name drift seen across responses.
type perImageEntry struct {
	Index        *int              `json:"index"`
	ImageIndex   *int              `json:"image_index"`
	Image        *int              `json:"image"`
	Measurements []json.RawMessage `json:"measurements"`
	Quality      *subScoresEntry   `json:"quality"`
	Scores       *subScoresEntry   `json:"scores"`
	ContentFlags []string          `json:"content_flags"`
	Flags        []string          `json:"flags"`
	Notes        string            `json:"notes"`
	Description  string            `json:"description"`
}

type subScoresEntry struct {
	Focus         *float64 `json:"focus"`
	Lighting      *float64 `json:"lighting"`
	Background    *float64 `json:"background"`
	ColorFidelity *float64 `json:"color_fidelity"`
	Visibility    *float64 `json:"visibility"`
}

func extractPerImage(entries []json.RawMessage, res *Result) {
	for pos, raw := range entries {
		var e perImageEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			zap.L().Warn("normalize: skipping malformed per-image entry",
				zap.Int("position", pos),
				zap.Error(err),
			)
			continue
		}

		ordinal := pos
		switch {
		case e.Index != nil:
			ordinal = *e.Index
		case e.ImageIndex != nil:
			ordinal = *e.ImageIndex
		case e.Image != nil:
			ordinal = *e.Image
		}

		analysis := model.ImageAnalysis{
			Ordinal:      ordinal,
			ContentFlags: e.ContentFlags,
			Notes:        e.Notes,
		}
		if analysis.ContentFlags == nil {
			analysis.ContentFlags = e.Flags
		}
		if analysis.Notes == "" {
			analysis.Notes = e.Description
		}

		scores := e.Quality
		if scores == nil {
			scores = e.Scores
		}
		if scores != nil {
			analysis.ScoresSeen = true
			analysis.Scores = model.SubScores{
				Focus:         orNeutral(scores.Focus),
				Lighting:      orNeutral(scores.Lighting),
				Background:    orNeutral(scores.Background),
				ColorFidelity: orNeutral(scores.ColorFidelity),
				Visibility:    orNeutral(scores.Visibility),
			}
		}
		res.Images = append(res.Images, analysis)

		for _, m := range e.Measurements {
			if obs, ok := parseMeasurement(m, ordinal); ok {
				res.Observations = append(res.Observations, obs...)
			}
		}
	}
}

// parseMeasurement accepts both the entry form
// {"attribute": "weight_carats", "value": ..., "confidence": ..., "method": ...}
// and the self-organized map form {"weight_carats": {"value": ..., ...}}.
func parseMeasurement(raw json.RawMessage, ordinal int) ([]model.MeasurementObservation, bool) {
	var entry struct {
		Attribute  string          `json:"attribute"`
		Value      json.RawMessage `json:"value"`
		Confidence *float64        `json:"confidence"`
		Method     string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &entry); err == nil && entry.Attribute != "" {
		attr, ok := knownAttribute(entry.Attribute)
		if !ok {
			return nil, false
		}
		value := asString(entry.Value)
		if value == "" {
			return nil, false
		}
		conf := 0.5
		if entry.Confidence != nil {
			conf = clamp01(*entry.Confidence)
		}
		return []model.MeasurementObservation{{
			Attribute:    attr,
			Value:        value,
			Confidence:   conf,
			ImageOrdinal: ordinal,
			Method:       asMethod(entry.Method),
		}}, true
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	var out []model.MeasurementObservation
	for k, v := range m {
		attr, ok := knownAttribute(k)
		if !ok {
			continue
		}
		var inner struct {
			Value      json.RawMessage `json:"value"`
			Confidence *float64        `json:"confidence"`
			Method     string          `json:"method"`
		}
		value, conf, method := "", 0.5, model.MethodDirect
		if err := json.Unmarshal(v, &inner); err == nil && inner.Value != nil {
			value = asString(inner.Value)
			if inner.Confidence != nil {
				conf = clamp01(*inner.Confidence)
			}
			method = asMethod(inner.Method)
		} else {
			value = asString(v)
		}
		if value == "" {
			continue
		}
		out = append(out, model.MeasurementObservation{
			Attribute:    attr,
			Value:        value,
			Confidence:   conf,
			ImageOrdinal: ordinal,
			Method:       method,
		})
	}
	return out, len(out) > 0
}

func knownAttribute(s string) (model.Attribute, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	for _, attr := range model.Attributes {
		if key == string(attr) {
			return attr, true
		}
	}
	// Common aliases the model drifts into.
	switch key {
	case "weight", "carat", "carats":
		return model.AttrWeight, true
	case "length":
		return model.AttrLength, true
	case "width":
		return model.AttrWidth, true
	case "depth", "height":
		return model.AttrDepth, true
	case "shape":
		return model.AttrCut, true
	}
	return "", false
}

func asMethod(s string) model.ExtractionMethod {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(model.MethodInstrument), "instrument", "gauge", "scale":
		return model.MethodInstrument
	case string(model.MethodFreeText), "free-text", "inferred", "visual":
		return model.MethodFreeText
	default:
		return model.MethodDirect
	}
}

// asString renders a raw JSON scalar as its string form. Objects and arrays
// yield "" (not a usable measurement value).
func asString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return ""
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func orNeutral(f *float64) float64 {
	if f == nil {
		return 0.5
	}
	return clamp01(*f)
}

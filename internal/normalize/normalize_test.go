package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facet-labs/gemlens/internal/model"
)

const aggregatedBody = `{
  "aggregate": {
    "weight_carats": {"value": "2.31", "confidence": 0.92, "method": "instrument-reading"},
    "color": {"value": "fancy yellow", "confidence": 0.8},
    "cut": "round brilliant"
  }
}`

const perImageBody = `{
  "images": [
    {
      "index": 0,
      "measurements": [
        {"attribute": "weight_carats", "value": "2.30", "confidence": 0.7, "method": "direct-field"},
        {"attribute": "color", "value": "yellow", "confidence": 0.6}
      ],
      "quality": {"focus": 0.9, "lighting": 0.8, "background": 0.7, "color_fidelity": 0.85, "visibility": 0.95},
      "content_flags": [],
      "notes": "well lit shot of the stone"
    },
    {
      "index": 1,
      "measurements": [
        {"attribute": "weight_carats", "value": "2.31", "confidence": 0.95, "method": "instrument-reading"}
      ],
      "content_flags": ["scale display visible"]
    }
  ]
}`

const mixedBody = `{
  "aggregate": {
    "weight_carats": {"value": "2.31", "confidence": 0.9}
  },
  "images": [
    {"index": 0, "measurements": [{"attribute": "color", "value": "blue", "confidence": 0.75}]}
  ]
}`

func TestNormalizeAggregatedShape(t *testing.T) {
	t.Parallel()

	res, err := Normalize(aggregatedBody)
	require.NoError(t, err)
	assert.Equal(t, ShapeAggregated, res.Shape)
	require.Len(t, res.Observations, 3)

	byAttr := observationsByAttr(res.Observations)

	weight := byAttr[model.AttrWeight]
	assert.Equal(t, "2.31", weight.Value)
	assert.InDelta(t, 0.92, weight.Confidence, 0.001)
	assert.Equal(t, model.MethodInstrument, weight.Method)
	assert.Equal(t, AggregateOrdinal, weight.ImageOrdinal)

	// Entry without a method defaults to direct-field.
	color := byAttr[model.AttrColor]
	assert.Equal(t, model.MethodDirect, color.Method)

	// Bare scalar form gets a neutral confidence.
	cut := byAttr[model.AttrCut]
	assert.Equal(t, "round brilliant", cut.Value)
	assert.InDelta(t, 0.5, cut.Confidence, 0.001)
}

func TestNormalizePerImageShape(t *testing.T) {
	t.Parallel()

	res, err := Normalize(perImageBody)
	require.NoError(t, err)
	assert.Equal(t, ShapePerImage, res.Shape)
	require.Len(t, res.Images, 2)
	require.Len(t, res.Observations, 3)

	first := res.Images[0]
	assert.Equal(t, 0, first.Ordinal)
	assert.True(t, first.ScoresSeen)
	assert.InDelta(t, 0.9, first.Scores.Focus, 0.001)
	assert.Equal(t, "well lit shot of the stone", first.Notes)

	second := res.Images[1]
	assert.Equal(t, 1, second.Ordinal)
	assert.False(t, second.ScoresSeen)
	assert.Equal(t, []string{"scale display visible"}, second.ContentFlags)
}

func TestNormalizeBareArray(t *testing.T) {
	t.Parallel()

	body := `[
		{"index": 0, "measurements": [{"attribute": "clarity", "value": "VS1", "confidence": 0.65}]},
		{"index": 1}
	]`
	res, err := Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, ShapePerImage, res.Shape)
	assert.Len(t, res.Images, 2)
	require.Len(t, res.Observations, 1)
	assert.Equal(t, model.AttrClarity, res.Observations[0].Attribute)
}

func TestNormalizeMixedShape(t *testing.T) {
	t.Parallel()

	res, err := Normalize(mixedBody)
	require.NoError(t, err)
	assert.Equal(t, ShapeMixed, res.Shape)
	require.Len(t, res.Observations, 2)
	assert.Len(t, res.Images, 1)
}

func TestNormalizeRecoversFencedJSON(t *testing.T) {
	t.Parallel()

	body := "```json\n" + aggregatedBody + "\n```"
	res, err := Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, ShapeAggregated, res.Shape)
	assert.Len(t, res.Observations, 3)
}

func TestNormalizeRecoversProseWrappedJSON(t *testing.T) {
	t.Parallel()

	body := "Here is my analysis of the images:\n" + mixedBody + "\nLet me know if you need more detail."
	res, err := Normalize(body)
	require.NoError(t, err)
	assert.Equal(t, ShapeMixed, res.Shape)
}

func TestNormalizeUnknownShapeDefaultsToPerImage(t *testing.T) {
	t.Parallel()

	res, err := Normalize(`{"verdict": "nice stone", "score": 9}`)
	require.NoError(t, err)
	assert.Equal(t, ShapePerImage, res.Shape)
	assert.Empty(t, res.Observations)
	assert.Empty(t, res.Images)
}

func TestNormalizeUnparseable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "plain prose", body: "I cannot analyze these images."},
		{name: "empty", body: ""},
		{name: "truncated json", body: `{"aggregate": {"weight_carats": {"val`},
		{name: "whitespace", body: "   \n\t  "},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Normalize(tt.body)
			require.ErrorIs(t, err, ErrUnparseable)
		})
	}
}

func TestNormalizeAttributeAliases(t *testing.T) {
	t.Parallel()

	body := `{
		"images": [{
			"index": 0,
			"measurements": [
				{"attribute": "carat", "value": "1.05", "confidence": 0.8},
				{"attribute": "shape", "value": "oval", "confidence": 0.7},
				{"attribute": "height", "value": "4.1", "confidence": 0.6},
				{"attribute": "sparkle", "value": "high", "confidence": 0.9}
			]
		}]
	}`
	res, err := Normalize(body)
	require.NoError(t, err)

	byAttr := observationsByAttr(res.Observations)
	assert.Equal(t, "1.05", byAttr[model.AttrWeight].Value)
	assert.Equal(t, "oval", byAttr[model.AttrCut].Value)
	assert.Equal(t, "4.1", byAttr[model.AttrDepth].Value)
	// Unrecognized attributes are dropped, not guessed.
	assert.Len(t, res.Observations, 3)
}

func TestNormalizeMeasurementMapForm(t *testing.T) {
	t.Parallel()

	body := `{
		"per_image": [{
			"image_index": 2,
			"measurements": [
				{"weight_carats": {"value": 2.5, "confidence": 0.85}, "color": "pink"}
			]
		}]
	}`
	res, err := Normalize(body)
	require.NoError(t, err)

	byAttr := observationsByAttr(res.Observations)
	weight := byAttr[model.AttrWeight]
	assert.Equal(t, "2.5", weight.Value)
	assert.InDelta(t, 0.85, weight.Confidence, 0.001)
	assert.Equal(t, 2, weight.ImageOrdinal)

	color := byAttr[model.AttrColor]
	assert.Equal(t, "pink", color.Value)
	assert.InDelta(t, 0.5, color.Confidence, 0.001)
}

func TestNormalizeClampsConfidence(t *testing.T) {
	t.Parallel()

	body := `{"images": [{"index": 0, "measurements": [
		{"attribute": "weight_carats", "value": "1.0", "confidence": 1.7},
		{"attribute": "color", "value": "red", "confidence": -0.3}
	]}]}`
	res, err := Normalize(body)
	require.NoError(t, err)

	byAttr := observationsByAttr(res.Observations)
	assert.InDelta(t, 1.0, byAttr[model.AttrWeight].Confidence, 0.001)
	assert.InDelta(t, 0.0, byAttr[model.AttrColor].Confidence, 0.001)
}

func observationsByAttr(obs []model.MeasurementObservation) map[model.Attribute]model.MeasurementObservation {
	out := make(map[model.Attribute]model.MeasurementObservation, len(obs))
	for _, o := range obs {
		out[o.Attribute] = o
	}
	return out
}

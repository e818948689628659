package vision

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facet-labs/gemlens/internal/config"
	"github.com/facet-labs/gemlens/internal/imageprep"
)

func testImages() []*imageprep.Result {
	return []*imageprep.Result{
		{Data: []byte{0xFF, 0xD8, 0x01}, MIMEType: "image/jpeg", Width: 640, Height: 480},
		{Data: []byte{0xFF, 0xD8, 0x02}, MIMEType: "image/jpeg", Width: 320, Height: 640},
	}
}

func TestBuildRequest(t *testing.T) {
	t.Parallel()

	temp := 0.2
	b := NewBuilder(config.AnthropicConfig{
		Model:           "vision-small",
		MaxOutputTokens: 2048,
		Temperature:     &temp,
	})

	req := b.Build(testImages())

	assert.Equal(t, "vision-small", req.Model)
	assert.Equal(t, int64(2048), req.MaxTokens)
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.2, *req.Temperature, 0.001)
	assert.NotEmpty(t, req.System)

	require.Len(t, req.Messages, 1)
	msg := req.Messages[0]
	assert.Equal(t, "user", msg.Role)
	require.Len(t, msg.Images, 2)

	// Images are transmitted in input order, base64-encoded.
	first, err := base64.StdEncoding.DecodeString(msg.Images[0].Data)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0x01}, first)
	assert.Equal(t, "image/jpeg", msg.Images[0].MIMEType)
}

func TestBuildDeterministic(t *testing.T) {
	t.Parallel()

	b := NewBuilder(config.AnthropicConfig{Model: "vision-small", MaxOutputTokens: 1024})
	images := testImages()

	first := b.Build(images)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, b.Build(images))
	}
}

func TestInstructionDemandsJSON(t *testing.T) {
	t.Parallel()

	b := NewBuilder(config.AnthropicConfig{Model: "vision-small", MaxOutputTokens: 1024})
	req := b.Build(testImages())

	content := req.Messages[0].Content
	assert.True(t, strings.Contains(content, "JSON"))
	// The instruction names every attribute the pipeline extracts.
	for _, attr := range []string{"weight_carats", "length_mm", "width_mm", "depth_mm", "color", "cut", "clarity"} {
		assert.Contains(t, content, attr)
	}
	// And the quality sub-scores driving primary image selection.
	for _, sub := range []string{"focus", "lighting", "background", "color_fidelity", "visibility"} {
		assert.Contains(t, content, sub)
	}
}

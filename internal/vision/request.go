// Package vision assembles the single multi-image request sent to the model
// for one item. Construction is pure: no I/O, and identical inputs produce
// an identical request body.
package vision

import (
	"encoding/base64"

	"github.com/facet-labs/gemlens/internal/config"
	"github.com/facet-labs/gemlens/internal/imageprep"
	"github.com/facet-labs/gemlens/pkg/anthropic"
)

// Builder constructs vision requests under a per-model token budget.
type Builder struct {
	model       string
	maxTokens   int64
	temperature *float64
}

// NewBuilder creates a Builder from model configuration.
func NewBuilder(cfg config.AnthropicConfig) *Builder {
	return &Builder{
		model:       cfg.Model,
		maxTokens:   cfg.MaxOutputTokens,
		temperature: cfg.Temperature,
	}
}

// Model returns the configured model identifier.
func (b *Builder) Model() string {
	return b.model
}

// Build assembles one request containing all preprocessed images in their
// given order plus the instruction payload.
func (b *Builder) Build(images []*imageprep.Result) anthropic.MessageRequest {
	attachments := make([]anthropic.ImageAttachment, len(images))
	for i, img := range images {
		attachments[i] = anthropic.ImageAttachment{
			MIMEType: img.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		}
	}

	return anthropic.MessageRequest{
		Model:       b.model,
		MaxTokens:   b.maxTokens,
		System:      systemText,
		Temperature: b.temperature,
		Messages: []anthropic.Message{
			{
				Role:    "user",
				Content: instructionText,
				Images:  attachments,
			},
		},
	}
}

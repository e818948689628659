// Package imageprep downsizes and re-encodes item photos before they are
// sent to the vision provider. Output size bounds per-item token cost, so
// the resize target and JPEG quality are the main cost-control levers.
package imageprep

import (
	"bytes"
	"image"
	"image/jpeg"

	_ "image/gif"
	_ "image/png"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/image/draw"
)

// Preprocessor re-encodes images at a fixed maximum longest edge and JPEG
// quality, with orientation normalized from embedded metadata.
type Preprocessor struct {
	maxEdge int
	quality int
}

// New creates a Preprocessor. maxEdge is the longest-edge pixel bound,
// quality the JPEG quality in [1,100].
func New(maxEdge, quality int) *Preprocessor {
	return &Preprocessor{maxEdge: maxEdge, quality: quality}
}

// Result is one re-encoded image ready for transmission.
type Result struct {
	Data     []byte
	MIMEType string
	Width    int
	Height   int
}

// Process decodes raw image bytes, normalizes orientation, scales the
// longest edge down to the configured bound, and re-encodes as JPEG.
// Upscaling never happens; images already within bounds are still
// re-encoded so the output quality is uniform.
func (p *Preprocessor) Process(raw []byte) (*Result, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, eris.Wrap(err, "imageprep: decode")
	}

	if format == "jpeg" {
		if o := orientation(raw); o > 1 {
			img = applyOrientation(img, o)
		}
	}

	img = p.scale(img)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.quality}); err != nil {
		return nil, eris.Wrap(err, "imageprep: encode")
	}

	b := img.Bounds()
	return &Result{
		Data:     buf.Bytes(),
		MIMEType: "image/jpeg",
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}

// ProcessAll processes a batch of images, skipping (and logging) any that
// fail to decode. A decode error is never fatal to the run; the returned
// ordinals identify which inputs survived.
func (p *Preprocessor) ProcessAll(raws [][]byte) ([]*Result, []int) {
	results := make([]*Result, 0, len(raws))
	ordinals := make([]int, 0, len(raws))
	for i, raw := range raws {
		res, err := p.Process(raw)
		if err != nil {
			zap.L().Warn("imageprep: skipping undecodable image",
				zap.Int("ordinal", i),
				zap.Int("bytes", len(raw)),
				zap.Error(err),
			)
			continue
		}
		results = append(results, res)
		ordinals = append(ordinals, i)
	}
	return results, ordinals
}

func (p *Preprocessor) scale(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= p.maxEdge {
		return img
	}

	ratio := float64(p.maxEdge) / float64(longest)
	nw := int(float64(w)*ratio + 0.5)
	nh := int(float64(h)*ratio + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// applyOrientation bakes the EXIF orientation into pixel data so downstream
// consumers can ignore metadata entirely.
func applyOrientation(img image.Image, o int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	var dst *image.NRGBA
	switch o {
	case 3, 4: // 180°
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	case 5, 6, 7, 8: // 90° / 270°
		dst = image.NewNRGBA(image.Rect(0, 0, h, w))
	default: // 2: mirror only
		dst = image.NewNRGBA(image.Rect(0, 0, w, h))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			switch o {
			case 2:
				dst.Set(w-1-x, y, c)
			case 3:
				dst.Set(w-1-x, h-1-y, c)
			case 4:
				dst.Set(x, h-1-y, c)
			case 5:
				dst.Set(y, x, c)
			case 6:
				dst.Set(h-1-y, x, c)
			case 7:
				dst.Set(h-1-y, w-1-x, c)
			case 8:
				dst.Set(y, w-1-x, c)
			}
		}
	}
	return dst
}

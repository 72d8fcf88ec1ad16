package capture

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Image is a processed screenshot ready for the analysis request.
type Image struct {
	Name      string
	MediaType string
	Width     int
	Height    int
	Data      []byte
}

// Base64 returns the standard base64 encoding of the image bytes.
func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

const (
	maxQuality  = 95
	minQuality  = 20
	qualityStep = 5
	// shrinkRounds bounds the extra 3/4 size reductions tried when even
	// the lowest quality is over the byte limit.
	shrinkRounds = 4
)

// Downscale decodes a PNG or JPEG screenshot, scales it so its long edge is
// at most maxDim and re-encodes it as JPEG at the highest quality that fits
// within maxBytes.
func Downscale(name string, data []byte, maxDim, maxBytes int) (Image, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("decode %s: %w", name, err)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return Image{}, errors.New("empty image")
	}
	if maxDim > 0 {
		w, h = fit(w, h, maxDim)
	}

	for round := 0; round <= shrinkRounds; round++ {
		flat := flatten(src, w, h)
		for q := maxQuality; q >= minQuality; q -= qualityStep {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: q}); err != nil {
				return Image{}, fmt.Errorf("encode %s: %w", name, err)
			}
			if maxBytes <= 0 || buf.Len() <= maxBytes {
				return Image{Name: name, MediaType: "image/jpeg", Width: w, Height: h, Data: buf.Bytes()}, nil
			}
		}
		w, h = w*3/4, h*3/4
		if w < 1 || h < 1 {
			break
		}
	}
	return Image{}, fmt.Errorf("%s does not fit in %d bytes", name, maxBytes)
}

// fit scales w and h down proportionally so neither exceeds maxDim.
func fit(w, h, maxDim int) (int, int) {
	long := w
	if h > long {
		long = h
	}
	if long <= maxDim {
		return w, h
	}
	nw := w * maxDim / long
	nh := h * maxDim / long
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// flatten draws src onto a white w x h canvas, resampling with Catmull-Rom
// when the size changes. JPEG has no alpha channel.
func flatten(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

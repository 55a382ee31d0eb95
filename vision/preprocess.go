package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	_ "image/png" // register PNG decoder
	"strings"

	xdraw "golang.org/x/image/draw"

	_ "golang.org/x/image/webp" // register WebP decoder (read-only)
)

// PreprocessConfig bounds the recompression ladder applied before an
// image is sent to the vision API.
type PreprocessConfig struct {
	MaxSizeBytes  int
	MaxDimension  int
	AllowedExt    map[string]bool
	ConvertGIF    bool
}

// DefaultMaxDimension is the longest-side cap applied before the first
// compression attempt.
const DefaultMaxDimension = 2048

var downscaleSteps = []int{1536, 1280, 1024, 768, 512}

// Preprocess applies the recompression ladder from §4.3: shrink to
// maxDimension, try JPEG quality 85, then step resolution down through
// downscaleSteps at quality 75, then step quality down to a floor of 60.
// Returns the final bytes and "image/jpeg" as the output MIME type; data
// already within MaxSizeBytes is returned unchanged with an empty MIME type.
func Preprocess(data []byte, cfg PreprocessConfig) ([]byte, string, error) {
	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = 2 * 1024 * 1024
	}
	maxDim := cfg.MaxDimension
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}

	if len(data) <= maxSize {
		return data, "", nil
	}

	img, format, err := decode(data)
	if err != nil {
		return nil, "", fmt.Errorf("vision: decode image: %w", err)
	}
	_ = format

	img = flattenAlpha(img)
	img = resizeToMax(img, maxDim)

	buf, err := encodeJPEG(img, 85)
	if err != nil {
		return nil, "", err
	}
	if buf.Len() <= maxSize {
		return buf.Bytes(), "image/jpeg", nil
	}

	for _, dim := range downscaleSteps {
		if maxOf(img.Bounds().Dx(), img.Bounds().Dy()) <= dim {
			continue
		}
		resized := resizeToMax(img, dim)
		buf, err = encodeJPEG(resized, 75)
		if err != nil {
			return nil, "", err
		}
		if buf.Len() <= maxSize {
			return buf.Bytes(), "image/jpeg", nil
		}
		img = resized
	}

	for quality := 65; quality >= 60; quality -= 5 {
		buf, err = encodeJPEG(img, quality)
		if err != nil {
			return nil, "", err
		}
		if buf.Len() <= maxSize {
			return buf.Bytes(), "image/jpeg", nil
		}
	}

	final := resizeToMax(img, 512)
	buf, err = encodeJPEG(final, 60)
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/jpeg", nil
}

func decode(data []byte) (image.Image, string, error) {
	if isGIF(data) {
		g, err := gif.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return nil, "", err
		}
		return g.Image[0], "gif", nil
	}
	return image.Decode(bytes.NewReader(data))
}

func isGIF(data []byte) bool {
	return len(data) >= 6 && string(data[:3]) == "GIF"
}

func flattenAlpha(img image.Image) image.Image {
	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, image.NewUniform(image.White), image.Point{}, draw.Src)
	draw.Draw(out, b, img, b.Min, draw.Over)
	return out
}

func resizeToMax(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxOf(w, h) <= maxDim {
		return img
	}
	ratio := float64(maxDim) / float64(maxOf(w, h))
	nw, nh := int(float64(w)*ratio), int(float64(h)*ratio)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("vision: encode jpeg: %w", err)
	}
	return &buf, nil
}

func maxOf(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ExtensionAllowed reports whether ext (without leading dot) is in the
// configured allow-list. An empty allow-list permits everything.
func ExtensionAllowed(ext string, allowed map[string]bool) bool {
	if len(allowed) == 0 {
		return true
	}
	return allowed[strings.ToLower(strings.TrimPrefix(ext, "."))]
}

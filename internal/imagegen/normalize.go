package imagegen

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif" // Register GIF decoder
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

// Normalize decodes data (GIF, JPEG, PNG or WebP), scales it down so the
// longest side is at most maxSide and re-encodes it as PNG. Images already
// within bounds are re-encoded without scaling.
func Normalize(data []byte, maxSide int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if maxSide > 0 && (width > maxSide || height > maxSide) {
		newW, newH := fitWithin(width, height, maxSide)
		dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func fitWithin(width, height, maxSide int) (int, int) {
	var newW, newH int
	if width >= height {
		newW = maxSide
		newH = height * maxSide / width
	} else {
		newH = maxSide
		newW = width * maxSide / height
	}
	return max(newW, 1), max(newH, 1)
}

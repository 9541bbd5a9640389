package uniquafy

import (
	"context"
	"errors"
	"log/slog"
)

// ErrTransform marks failures of the image restyling step.
var ErrTransform = errors.New("image transformation failed")

// Image is raw image bytes with their MIME type.
type Image struct {
	Data     []byte
	MIMEType string
}

// Transformer restyles an image according to a text prompt.
type Transformer interface {
	Transform(ctx context.Context, img Image, prompt string) (Image, error)
}

// Passthrough returns images unchanged. It stands in for the model when
// image generation is disabled.
type Passthrough struct {
	Logger *slog.Logger
}

func (p Passthrough) Transform(ctx context.Context, img Image, prompt string) (Image, error) {
	if err := ctx.Err(); err != nil {
		return Image{}, err
	}
	p.logger().Warn("image generation disabled, returning original image", "bytes", len(img.Data))
	return img, nil
}

func (p Passthrough) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

package uniquafy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"uniqua/internal/domain"

	"github.com/google/uuid"
)

// ErrUploadUnsupported is returned when the originating channel cannot upload media.
var ErrUploadUnsupported = errors.New("channel does not support media upload")

// PublisherConfig configures staging and upload of results.
type PublisherConfig struct {
	Dir    string // staging directory
	Keep   bool   // keep staged files after a successful upload
	Logger *slog.Logger
}

// Publisher stages transformed images on disk and uploads them to the platform.
type Publisher struct {
	dir    string
	keep   bool
	logger *slog.Logger
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "uniquafy")
	}
	return &Publisher{dir: cfg.Dir, keep: cfg.Keep, logger: cfg.Logger}
}

// Stage writes img to the staging directory and returns the file path.
func (p *Publisher) Stage(img Image) (string, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir %s: %w", p.dir, err)
	}
	path := filepath.Join(p.dir, "uniquafied_"+uuid.NewString()+extensionFor(img.MIMEType))
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return "", fmt.Errorf("stage image: %w", err)
	}
	p.logger.Info("image staged", "path", path, "bytes", len(img.Data))
	return path, nil
}

// Publish stages img and uploads it through uploader. With a nil uploader the
// staged file is kept and ErrUploadUnsupported is returned.
func (p *Publisher) Publish(ctx context.Context, uploader domain.MediaUploader, img Image, up domain.Upload) (*domain.Attachment, error) {
	path, err := p.Stage(img)
	if err != nil {
		return nil, err
	}
	if uploader == nil {
		return nil, ErrUploadUnsupported
	}

	up.Filename = filepath.Base(path)
	up.MIMEType = img.MIMEType
	up.Data = img.Data
	att, err := uploader.UploadImage(ctx, up)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", up.Filename, err)
	}

	if !p.keep {
		if err := os.Remove(path); err != nil {
			p.logger.Warn("cannot remove staged image", "path", path, "err", err)
		}
	}
	p.logger.Info("image uploaded", "chat_id", up.ChatID, "media_ref", att.MediaRef)
	return att, nil
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

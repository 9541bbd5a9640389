package domain

import (
	"context"
	"errors"
)

// ErrProfileNotFound is returned by a ProfileSource when the user has no usable picture.
var ErrProfileNotFound = errors.New("profile not found")

// Channel is the interface for a platform connection (Telegram, Discord, Slack, CLI, WebSocket).
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
	Send(ctx context.Context, chatID string, content string) error
}

// ProfileSource resolves a user's profile picture URL on a platform.
type ProfileSource interface {
	ProfileImageURL(ctx context.Context, userID string) (string, error)
}

// Upload describes an image to publish back to a chat.
type Upload struct {
	ChatID   string
	ReplyTo  string
	Filename string
	MIMEType string
	Data     []byte
	Caption  string
}

// MediaUploader publishes binary media to a platform.
type MediaUploader interface {
	UploadImage(ctx context.Context, up Upload) (*Attachment, error)
}

// Platform is a channel that can also look up profiles and upload media.
type Platform interface {
	Channel
	ProfileSource
	MediaUploader
}

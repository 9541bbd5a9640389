package domain

import "time"

// InboundMessage is a platform message delivered to the action runtime.
type InboundMessage struct {
	Channel    string
	ChatID     string
	MessageID  string
	SenderID   string
	SenderName string
	Content    string
	InReplyTo  string // id of the bot message this replies to, empty otherwise
	Mentioned  bool   // the message addresses the bot account
	Timestamp  time.Time
}

// IsAddressed reports whether the message mentions or replies to the bot.
func (m InboundMessage) IsAddressed() bool {
	return m.Mentioned || m.InReplyTo != ""
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	ReplyTo string // message id to thread the reply under
	Content string
	Action  string
	Error   bool
	Media   *Attachment
}

// MediaReference is the opaque id a platform assigns to an uploaded asset.
type MediaReference string

// Attachment points at media already uploaded to the platform.
type Attachment struct {
	Type     string         `json:"type"` // image
	MediaRef MediaReference `json:"media_ref"`
	URL      string         `json:"url,omitempty"`
}

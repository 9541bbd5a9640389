package domain

import "context"

// Response is what an action hands back to the runtime for delivery.
type Response struct {
	Text   string
	Action string
	Error  bool
	Media  *Attachment
}

// Callback delivers a response to the user who triggered the action.
type Callback func(ctx context.Context, resp Response) error

// ActionExample is one sample exchange used for documentation and prompts.
type ActionExample struct {
	User   string `json:"user" yaml:"user"`
	Text   string `json:"text" yaml:"text"`
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
}

// Action is a named unit of validate/handle logic triggered by inbound messages.
type Action interface {
	Name() string
	Similes() []string
	Description() string
	Validate(ctx context.Context, msg InboundMessage) bool
	Handle(ctx context.Context, msg InboundMessage, callback Callback) error
	Examples() [][]ActionExample
}

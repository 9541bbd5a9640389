package uniquafy

import (
	"context"
	"strings"

	"uniqua/internal/domain"
)

// Responder renders stage templates and hands them to the runtime callback.
type Responder struct {
	templates map[string]string
}

func NewResponder(templates map[string]string) *Responder {
	return &Responder{templates: templates}
}

// Render fills {{user}} in the template for key. Unknown keys render empty.
func (r *Responder) Render(key, user string) string {
	if user == "" {
		user = "friend"
	}
	return strings.ReplaceAll(r.templates[key], "{{user}}", user)
}

func (r *Responder) Emit(ctx context.Context, cb domain.Callback, key, user string, resp domain.Response) error {
	resp.Text = r.Render(key, user)
	return cb(ctx, resp)
}

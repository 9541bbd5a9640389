package uniquafy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"uniqua/internal/bus"
	"uniqua/internal/character"
	"uniqua/internal/domain"
	"uniqua/internal/store"

	"github.com/google/uuid"
)

// Action names reported to the runtime.
const (
	ActionName     = "UNIQUAFY"
	ActionStart    = "UNIQUAFY_START"
	ActionComplete = "UNIQUAFY_COMPLETE"
)

// ErrUserNotFound is returned when the triggering message has no usable sender.
var ErrUserNotFound = errors.New("user not found")

// Pipeline stage names used in events and metrics.
const (
	StageProfile   = "profile"
	StageFetch     = "fetch"
	StageTransform = "transform"
	StagePublish   = "publish"
)

// Platforms looks up per-channel capabilities.
type Platforms interface {
	Profiles(channel string) (domain.ProfileSource, bool)
	Uploader(channel string) (domain.MediaUploader, bool)
}

// Recorder persists request history.
type Recorder interface {
	Start(ctx context.Context, rec store.Record) error
	Finish(ctx context.Context, id string, out store.Outcome) error
}

// ImageFetcher downloads an image by URL.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (Image, error)
}

// Request is one uniquafy run.
type Request struct {
	ID              string
	Channel         string
	ProfileImageURL string
}

// ActionConfig wires the pipeline stages together.
type ActionConfig struct {
	Character   *character.Character
	Platforms   Platforms
	Fetcher     ImageFetcher
	Transformer Transformer
	Publisher   *Publisher
	Recorder    Recorder      // optional
	Events      *bus.EventBus // optional
	AttachMedia bool
	Logger      *slog.Logger
}

// Action turns the sender's profile picture into a uniquafied one.
type Action struct {
	char        *character.Character
	platforms   Platforms
	fetcher     ImageFetcher
	transformer Transformer
	publisher   *Publisher
	recorder    Recorder
	events      *bus.EventBus
	responder   *Responder
	attachMedia bool
	logger      *slog.Logger
}

func NewAction(cfg ActionConfig) *Action {
	if cfg.Character == nil {
		cfg.Character = character.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Action{
		char:        cfg.Character,
		platforms:   cfg.Platforms,
		fetcher:     cfg.Fetcher,
		transformer: cfg.Transformer,
		publisher:   cfg.Publisher,
		recorder:    cfg.Recorder,
		events:      cfg.Events,
		responder:   NewResponder(cfg.Character.Templates),
		attachMedia: cfg.AttachMedia,
		logger:      cfg.Logger,
	}
}

func (a *Action) Name() string        { return ActionName }
func (a *Action) Similes() []string   { return a.char.Similes }
func (a *Action) Description() string { return a.char.Description }

func (a *Action) Examples() [][]domain.ActionExample { return a.char.Examples }

func (a *Action) Validate(_ context.Context, msg domain.InboundMessage) bool {
	return Matches(msg.Content, msg.IsAddressed(), a.char.TriggerPhrase)
}

// Handle runs the pipeline for msg and reports progress through callback.
// Pipeline errors are turned into error responses; the returned error is
// for logging only.
func (a *Action) Handle(ctx context.Context, msg domain.InboundMessage, callback domain.Callback) (err error) {
	req := Request{ID: uuid.NewString(), Channel: msg.Channel}
	user := msg.SenderName
	log := a.logger.With("request", req.ID, "channel", msg.Channel, "user", msg.SenderID)

	if msg.SenderID == "" {
		log.Warn("trigger without sender")
		a.record(ctx, store.Record{ID: req.ID, Channel: msg.Channel, ChatID: msg.ChatID}, store.StatusUserNotFound)
		a.emit(bus.EventFailed, req.ID, msg.Channel, map[string]any{"status": store.StatusUserNotFound})
		if cbErr := a.responder.Emit(ctx, callback, character.TemplateUserNotFound, user, domain.Response{Error: true}); cbErr != nil {
			log.Error("callback failed", "err", cbErr)
		}
		return ErrUserNotFound
	}

	a.emit(bus.EventTriggered, req.ID, msg.Channel, map[string]any{"user": msg.SenderID})
	if a.recorder != nil {
		rec := store.Record{ID: req.ID, Channel: msg.Channel, ChatID: msg.ChatID, UserID: msg.SenderID}
		if recErr := a.recorder.Start(ctx, rec); recErr != nil {
			log.Warn("cannot record request", "err", recErr)
		}
	}

	if cbErr := a.responder.Emit(ctx, callback, character.TemplateStart, user, domain.Response{Action: ActionStart}); cbErr != nil {
		log.Error("start callback failed", "err", cbErr)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("uniquafy panic", "panic", r)
			err = fmt.Errorf("uniquafy panic: %v", r)
			a.fail(ctx, log, callback, req, user, store.StatusFailed, character.TemplateFailure, err)
		}
	}()

	att, err := a.run(ctx, msg, &req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrProfileNotFound), errors.Is(err, ErrUserNotFound):
			a.fail(ctx, log, callback, req, user, store.StatusUserNotFound, character.TemplateUserNotFound, err)
		case errors.Is(err, ErrTransform):
			a.fail(ctx, log, callback, req, user, store.StatusTransformFailed, character.TemplateTransformFailed, err)
		default:
			a.fail(ctx, log, callback, req, user, store.StatusFailed, character.TemplateFailure, err)
		}
		return err
	}

	out := store.Outcome{Status: store.StatusCompleted, SourceURL: redactURL(req.ProfileImageURL)}
	if att != nil {
		out.MediaRef = string(att.MediaRef)
	}
	a.finish(ctx, log, req.ID, out)
	a.emit(bus.EventCompleted, req.ID, msg.Channel, map[string]any{"status": store.StatusCompleted, "media_ref": out.MediaRef})
	log.Info("uniquafy completed", "media_ref", out.MediaRef)

	return a.responder.Emit(ctx, callback, character.TemplateSuccess, user, domain.Response{
		Action: ActionComplete,
		Media:  att,
	})
}

func (a *Action) run(ctx context.Context, msg domain.InboundMessage, req *Request) (*domain.Attachment, error) {
	var rawURL string
	err := a.stage(req.ID, msg.Channel, StageProfile, func() error {
		profiles, ok := a.platforms.Profiles(msg.Channel)
		if !ok {
			return fmt.Errorf("channel %s has no profile lookup: %w", msg.Channel, ErrUserNotFound)
		}
		u, err := profiles.ProfileImageURL(ctx, msg.SenderID)
		if err != nil {
			return fmt.Errorf("lookup profile of %s: %w", msg.SenderID, err)
		}
		if u == "" {
			return fmt.Errorf("lookup profile of %s: %w", msg.SenderID, domain.ErrProfileNotFound)
		}
		rawURL = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	req.ProfileImageURL = HighResURL(rawURL)

	var src Image
	err = a.stage(req.ID, msg.Channel, StageFetch, func() error {
		var err error
		src, err = a.fetcher.Fetch(ctx, req.ProfileImageURL)
		return err
	})
	if err != nil {
		return nil, err
	}

	var out Image
	err = a.stage(req.ID, msg.Channel, StageTransform, func() error {
		var err error
		out, err = a.transformer.Transform(ctx, src, a.char.Prompt)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrTransform, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var att *domain.Attachment
	err = a.stage(req.ID, msg.Channel, StagePublish, func() error {
		var uploader domain.MediaUploader
		if a.attachMedia {
			if u, ok := a.platforms.Uploader(msg.Channel); ok {
				uploader = u
			}
		}
		if uploader == nil {
			path, err := a.publisher.Stage(out)
			if err != nil {
				return err
			}
			a.logger.Info("result staged without upload", "request", req.ID, "path", path)
			return nil
		}
		var err error
		att, err = a.publisher.Publish(ctx, uploader, out, domain.Upload{
			ChatID:  msg.ChatID,
			ReplyTo: msg.MessageID,
			Caption: a.char.Caption,
		})
		return err
	})
	return att, err
}

// stage runs fn and reports its duration on the event bus.
func (a *Action) stage(requestID, channel, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	payload := map[string]any{"stage": name, "duration": time.Since(start), "ok": err == nil}
	a.emit(bus.EventStageFinished, requestID, channel, payload)
	return err
}

func (a *Action) fail(ctx context.Context, log *slog.Logger, cb domain.Callback, req Request, user, status, template string, cause error) {
	log.Error("uniquafy failed", "status", status, "err", cause)
	a.finish(ctx, log, req.ID, store.Outcome{Status: status, SourceURL: redactURL(req.ProfileImageURL), Error: cause.Error()})
	a.emit(bus.EventFailed, req.ID, req.Channel, map[string]any{"status": status})
	if err := a.responder.Emit(ctx, cb, template, user, domain.Response{Error: true}); err != nil {
		log.Error("failure callback failed", "err", err)
	}
}

func (a *Action) finish(ctx context.Context, log *slog.Logger, id string, out store.Outcome) {
	if a.recorder == nil {
		return
	}
	if err := a.recorder.Finish(context.WithoutCancel(ctx), id, out); err != nil {
		log.Warn("cannot record outcome", "err", err)
	}
}

func (a *Action) record(ctx context.Context, rec store.Record, status string) {
	if a.recorder == nil {
		return
	}
	rec.Status = status
	if err := a.recorder.Start(ctx, rec); err != nil {
		a.logger.Warn("cannot record request", "request", rec.ID, "err", err)
	}
}

func (a *Action) emit(eventType, requestID, source string, payload map[string]any) {
	if a.events == nil {
		return
	}
	a.events.Emit(bus.Event{Type: eventType, Source: source, RequestID: requestID, Payload: payload})
}

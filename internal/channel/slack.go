package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"uniqua/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Platform using Socket Mode.
type Slack struct {
	botToken string
	appToken string
	client   *slack.Client
	socket   *socketmode.Client
	bus      domain.MessageBus
	logger   *slog.Logger
	botUID   string // the bot's own user ID, to avoid replying to self
}

// SlackConfig configures the Slack channel.
type SlackConfig struct {
	BotToken string
	AppToken string
	Logger   *slog.Logger
}

var _ domain.Platform = (*Slack)(nil)

// NewSlack creates a new Slack channel handler.
func NewSlack(cfg SlackConfig) *Slack {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		logger:   cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start connects to Slack via Socket Mode and begins listening for events.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.bus = bus

	api := slack.New(
		s.botToken,
		slack.OptionAppLevelToken(s.appToken),
	)
	s.client = api

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = authResp.UserID
	s.logger.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)
	s.socket = socketClient

	bus.OnOutbound(s.Name(), s.deliver)

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				socketClient.Ack(*evt.Request)
				s.handleEventsAPI(eventsAPIEvent)

			default:
				// Acknowledge everything else to keep the socket alive.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- socketClient.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack bot disconnecting")
		return nil
	case err := <-errCh:
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

// Stop is a no-op: the socket closes when Start's context is cancelled.
func (s *Slack) Stop() error { return nil }

func (s *Slack) Send(ctx context.Context, chatID string, content string) error {
	return s.post(ctx, chatID, "", content)
}

// ProfileImageURL returns the largest avatar Slack exposes for the user.
func (s *Slack) ProfileImageURL(ctx context.Context, userID string) (string, error) {
	u, err := s.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		if strings.Contains(err.Error(), "user_not_found") {
			return "", domain.ErrProfileNotFound
		}
		return "", fmt.Errorf("slack users.info %s: %w", userID, err)
	}
	for _, candidate := range []string{u.Profile.ImageOriginal, u.Profile.Image512, u.Profile.Image192} {
		if candidate != "" {
			return candidate, nil
		}
	}
	return "", domain.ErrProfileNotFound
}

// UploadImage uploads the image into the thread. The reference is the file ID.
func (s *Slack) UploadImage(ctx context.Context, up domain.Upload) (*domain.Attachment, error) {
	file, err := s.client.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Reader:          bytes.NewReader(up.Data),
		FileSize:        len(up.Data),
		Filename:        up.Filename,
		Title:           up.Filename,
		InitialComment:  up.Caption,
		Channel:         up.ChatID,
		ThreadTimestamp: up.ReplyTo,
	})
	if err != nil {
		return nil, fmt.Errorf("slack upload: %w", err)
	}
	return &domain.Attachment{Type: "image", MediaRef: domain.MediaReference(file.ID)}, nil
}

func (s *Slack) deliver(msg domain.OutboundMessage) {
	if msg.Content == "" {
		return
	}
	if err := s.post(context.Background(), msg.ChatID, msg.ReplyTo, msg.Content); err != nil {
		s.logger.Error("slack send failed", "channel", msg.ChatID, "err", err)
	}
}

func (s *Slack) post(ctx context.Context, channelID, threadTS, content string) error {
	for _, chunk := range splitMessage(content, slackMaxMsgLen) {
		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}
		if _, _, err := s.client.PostMessageContext(ctx, channelID, opts...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Slack) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}

	var (
		in domain.InboundMessage
		ok bool
	)
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		in, ok = slackMentionInbound(ev, s.botUID)
	case *slackevents.MessageEvent:
		in, ok = slackMessageInbound(ev, s.botUID)
	}
	if !ok {
		return
	}

	s.logger.Info("slack message received",
		"user", in.SenderID,
		"channel", in.ChatID,
		"mentioned", in.Mentioned,
		"reply", in.InReplyTo != "",
	)
	s.bus.Publish(in)
}

// slackMentionInbound converts an app_mention event. MessageID is the thread
// root so replies stay in the thread.
func slackMentionInbound(ev *slackevents.AppMentionEvent, botUID string) (domain.InboundMessage, bool) {
	if ev.User == "" || ev.User == botUID || ev.BotID != "" {
		return domain.InboundMessage{}, false
	}
	return domain.InboundMessage{
		Channel:    "slack",
		ChatID:     ev.Channel,
		MessageID:  threadRoot(ev.ThreadTimeStamp, ev.TimeStamp),
		SenderID:   ev.User,
		SenderName: "<@" + ev.User + ">",
		Content:    ev.Text,
		Mentioned:  true,
		Timestamp:  time.Now(),
	}, true
}

// slackMessageInbound converts plain message events that reply in a thread
// the bot started, or arrive by direct message. Messages mentioning the bot
// are skipped; they also arrive as app_mention.
func slackMessageInbound(ev *slackevents.MessageEvent, botUID string) (domain.InboundMessage, bool) {
	if ev.User == "" || ev.User == botUID || ev.SubType != "" {
		return domain.InboundMessage{}, false
	}
	if botUID != "" && strings.Contains(ev.Text, "<@"+botUID+">") {
		return domain.InboundMessage{}, false
	}

	in := domain.InboundMessage{
		Channel:    "slack",
		ChatID:     ev.Channel,
		MessageID:  threadRoot(ev.ThreadTimeStamp, ev.TimeStamp),
		SenderID:   ev.User,
		SenderName: "<@" + ev.User + ">",
		Content:    ev.Text,
		Mentioned:  ev.ChannelType == "im",
		Timestamp:  time.Now(),
	}
	if botUID != "" && ev.ThreadTimeStamp != "" && ev.Message != nil && ev.Message.ParentUserId == botUID {
		in.InReplyTo = ev.ThreadTimeStamp
	}
	if !in.Mentioned && in.InReplyTo == "" {
		return domain.InboundMessage{}, false
	}
	return in, true
}

func threadRoot(threadTS, ts string) string {
	if threadTS != "" {
		return threadTS
	}
	return ts
}

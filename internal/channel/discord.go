package channel

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"uniqua/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxMsgLen   = 2000
	discordAvatarSize  = "1024"
	discordCommandName = "uniquafy"
)

// Discord implements domain.Platform for a Discord bot.
type Discord struct {
	token   string
	guildID string
	session *discordgo.Session
	bus     domain.MessageBus
	logger  *slog.Logger
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token   string
	GuildID string
	Logger  *slog.Logger
}

var _ domain.Platform = (*Discord)(nil)

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and begins listening.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	bus.OnOutbound(d.Name(), d.deliver)

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID || m.Author.Bot {
			return
		}
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}

		in := discordInbound(m.Message, s.State.User.ID)
		d.logger.Info("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"mentioned", in.Mentioned,
			"reply", in.InReplyTo != "",
		)
		bus.Publish(in)
	})

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if i.Type != discordgo.InteractionApplicationCommand || i.ApplicationCommandData().Name != discordCommandName {
			return
		}
		user := i.User
		if i.Member != nil && i.Member.User != nil {
			user = i.Member.User
		}
		if user == nil {
			return
		}

		s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "Uniquafy requested by " + user.Mention()},
		})

		bus.Publish(domain.InboundMessage{
			Channel:    "discord",
			ChatID:     i.ChannelID,
			SenderID:   user.ID,
			SenderName: user.DisplayName(),
			Content:    "uniquafy me",
			Mentioned:  true,
			Timestamp:  time.Now(),
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.registerSlashCommands()

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

// Stop is a no-op: the session closes when Start's context is cancelled.
func (d *Discord) Stop() error { return nil }

func (d *Discord) Send(ctx context.Context, chatID string, content string) error {
	for _, chunk := range splitMessage(content, discordMaxMsgLen) {
		if _, err := d.session.ChannelMessageSend(chatID, chunk); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// ProfileImageURL returns the user's custom avatar at 1024px. Users on a
// default avatar have no picture to restyle.
func (d *Discord) ProfileImageURL(ctx context.Context, userID string) (string, error) {
	u, err := d.session.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord user %s: %w", userID, err)
	}
	if u.Avatar == "" {
		return "", domain.ErrProfileNotFound
	}
	return u.AvatarURL(discordAvatarSize), nil
}

// UploadImage posts the image as a reply. The reference is the attachment ID.
func (d *Discord) UploadImage(ctx context.Context, up domain.Upload) (*domain.Attachment, error) {
	send := &discordgo.MessageSend{
		Content: up.Caption,
		Files: []*discordgo.File{{
			Name:        up.Filename,
			ContentType: up.MIMEType,
			Reader:      bytes.NewReader(up.Data),
		}},
		Reference: softReference(up.ChatID, up.ReplyTo),
	}
	msg, err := d.session.ChannelMessageSendComplex(up.ChatID, send, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord upload: %w", err)
	}
	if len(msg.Attachments) == 0 {
		return nil, fmt.Errorf("discord upload: message %s has no attachment", msg.ID)
	}
	att := msg.Attachments[0]
	return &domain.Attachment{Type: "image", MediaRef: domain.MediaReference(att.ID), URL: att.URL}, nil
}

func (d *Discord) deliver(msg domain.OutboundMessage) {
	if msg.Content == "" {
		return
	}
	for i, chunk := range splitMessage(msg.Content, discordMaxMsgLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 {
			send.Reference = softReference(msg.ChatID, msg.ReplyTo)
		}
		if _, err := d.session.ChannelMessageSendComplex(msg.ChatID, send); err != nil {
			d.logger.Error("discord send failed", "channel", msg.ChatID, "err", err)
		}
	}
}

// discordInbound converts a Discord message. Direct messages count as
// addressing the bot.
func discordInbound(m *discordgo.Message, botID string) domain.InboundMessage {
	in := domain.InboundMessage{
		Channel:   "discord",
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		Content:   m.Content,
		Mentioned: m.GuildID == "",
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		in.SenderID = m.Author.ID
		in.SenderName = m.Author.DisplayName()
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			in.Mentioned = true
			break
		}
	}
	if r := m.ReferencedMessage; r != nil && r.Author != nil && r.Author.ID == botID {
		in.InReplyTo = r.ID
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	return in
}

func softReference(channelID, messageID string) *discordgo.MessageReference {
	if messageID == "" {
		return nil
	}
	failIfNotExists := false
	return &discordgo.MessageReference{
		MessageID:       messageID,
		ChannelID:       channelID,
		FailIfNotExists: &failIfNotExists,
	}
}

func (d *Discord) registerSlashCommands() {
	cmd := &discordgo.ApplicationCommand{
		Name:        discordCommandName,
		Description: "Restyle your avatar",
	}
	if _, err := d.session.ApplicationCommandCreate(d.session.State.User.ID, d.guildID, cmd); err != nil {
		d.logger.Warn("failed to register slash command", "command", cmd.Name, "err", err)
	}
}

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"uniqua/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.Platform for a Telegram bot.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	Logger    *slog.Logger
}

var _ domain.Platform = (*Telegram)(nil)

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound(t.Name(), t.deliver)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: polling stops when Start's context is cancelled, and
// StopReceivingUpdates panics when called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	t.sendMessage(id, 0, content)
	return nil
}

// ProfileImageURL returns a download URL for the largest size of the user's
// current profile photo.
func (t *Telegram) ProfileImageURL(ctx context.Context, userID string) (string, error) {
	id, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid telegram user ID %q: %w", userID, domain.ErrProfileNotFound)
	}
	photos, err := t.bot.GetUserProfilePhotos(tgbotapi.UserProfilePhotosConfig{UserID: id, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("get profile photos: %w", err)
	}
	if photos.TotalCount == 0 || len(photos.Photos) == 0 {
		return "", domain.ErrProfileNotFound
	}
	best, ok := largestPhoto(photos.Photos[0])
	if !ok {
		return "", domain.ErrProfileNotFound
	}
	u, err := t.bot.GetFileDirectURL(best.FileID)
	if err != nil {
		return "", fmt.Errorf("resolve profile photo: %w", err)
	}
	return u, nil
}

// UploadImage sends the image as a photo reply. The reference is the file ID
// of the largest size Telegram stored.
func (t *Telegram) UploadImage(ctx context.Context, up domain.Upload) (*domain.Attachment, error) {
	chatID, err := strconv.ParseInt(up.ChatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: up.Filename, Bytes: up.Data})
	photo.Caption = up.Caption
	if replyTo, err := strconv.Atoi(up.ReplyTo); err == nil {
		photo.ReplyToMessageID = replyTo
	}

	sent, err := t.bot.Send(photo)
	if err != nil {
		return nil, fmt.Errorf("telegram send photo: %w", err)
	}
	best, ok := largestPhoto(sent.Photo)
	if !ok {
		return nil, fmt.Errorf("telegram send photo: response carries no photo")
	}
	return &domain.Attachment{Type: "image", MediaRef: domain.MediaReference(best.FileID)}, nil
}

func (t *Telegram) deliver(msg domain.OutboundMessage) {
	if msg.Content == "" {
		return
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
		return
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)
	t.sendMessage(chatID, replyTo, msg.Content)
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}

	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", m.From.ID,
			"username", m.From.UserName,
		)
		return
	}

	if m.IsCommand() {
		t.handleCommand(m)
		return
	}

	in, ok := telegramInbound(m, t.bot.Self)
	if !ok {
		return
	}

	t.logger.Info("telegram message received",
		"user_id", m.From.ID,
		"chat_id", m.Chat.ID,
		"mentioned", in.Mentioned,
		"reply", in.InReplyTo != "",
	)
	t.bus.Publish(in)
}

// telegramInbound converts a Telegram message. Private chats count as
// addressing the bot.
func telegramInbound(m *tgbotapi.Message, self tgbotapi.User) (domain.InboundMessage, bool) {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		text = strings.TrimSpace(m.Caption)
	}
	if text == "" {
		return domain.InboundMessage{}, false
	}

	in := domain.InboundMessage{
		Channel:    "telegram",
		ChatID:     strconv.FormatInt(m.Chat.ID, 10),
		MessageID:  strconv.Itoa(m.MessageID),
		SenderID:   strconv.FormatInt(m.From.ID, 10),
		SenderName: telegramDisplayName(m.From),
		Content:    text,
		Mentioned:  m.Chat.IsPrivate() || hasMention(text, self.UserName),
		Timestamp:  time.Unix(int64(m.Date), 0),
	}
	if r := m.ReplyToMessage; r != nil && r.From != nil && r.From.ID == self.ID {
		in.InReplyTo = strconv.Itoa(r.MessageID)
	}
	return in, true
}

func telegramDisplayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// largestPhoto picks the size with the most pixels.
func largestPhoto(sizes []tgbotapi.PhotoSize) (tgbotapi.PhotoSize, bool) {
	if len(sizes) == 0 {
		return tgbotapi.PhotoSize{}, false
	}
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	return best, true
}

func (t *Telegram) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	switch msg.Command() {
	case "start", "help":
		t.sendMessage(chatID, msg.MessageID, fmt.Sprintf(
			"Hi! Mention me (@%s) with \"uniquafy me\" and I'll restyle your profile picture.", t.bot.Self.UserName))
	case "status":
		t.sendMessage(chatID, msg.MessageID, fmt.Sprintf("Bot: @%s\nYour ID: %d\nChat ID: %d", t.bot.Self.UserName, msg.From.ID, chatID))
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, replyTo int, text string) {
	for i, chunk := range splitMessage(text, telegramMaxMsgLen) {
		if i > 0 {
			replyTo = 0
		}
		t.sendChunk(chatID, replyTo, chunk)
	}
}

// sendChunk sends a single message chunk, backing off on rate limits and
// transient errors.
func (t *Telegram) sendChunk(chatID int64, replyTo int, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ReplyToMessageID = replyTo

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		// The replied-to message may be gone; send without the reply.
		if replyTo != 0 && strings.Contains(errStr, "message to be replied not found") {
			replyTo = 0
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
	}
}

package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"uniqua/internal/domain"
)

const cliChatID = "direct"

// CLI implements domain.Platform for interactive terminal chat. The local
// user's profile picture is a configured URL and uploads are written to disk.
type CLI struct {
	bus             domain.MessageBus
	logger          *slog.Logger
	in              io.Reader
	mu              sync.Mutex // guards out
	out             io.Writer
	botName         string
	userName        string
	profileImageURL string
	outputDir       string
	seq             atomic.Int64
}

type CLIConfig struct {
	BotName         string // username the user mentions, without @
	UserName        string
	ProfileImageURL string
	OutputDir       string
	Logger          *slog.Logger
	In              io.Reader
	Out             io.Writer
}

var _ domain.Platform = (*CLI)(nil)

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.UserName == "" {
		cfg.UserName = "you"
	}
	return &CLI{
		logger:          cfg.Logger,
		in:              cfg.In,
		out:             cfg.Out,
		botName:         cfg.BotName,
		userName:        cfg.UserName,
		profileImageURL: cfg.ProfileImageURL,
		outputDir:       cfg.OutputDir,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the interactive REPL and blocks until context is cancelled or
// input ends.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus
	bus.OnOutbound(c.Name(), c.deliver)

	c.printf("Chatting with @%s. Try \"@%s uniquafy me\". Type /quit to exit.\nYou> ", c.botName, c.botName)

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return nil // EOF
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.printf("You> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}

		c.bus.Publish(c.inbound(line))
	}
}

func (c *CLI) inbound(line string) domain.InboundMessage {
	return domain.InboundMessage{
		Channel:    c.Name(),
		ChatID:     cliChatID,
		MessageID:  strconv.FormatInt(c.seq.Add(1), 10),
		SenderID:   "local",
		SenderName: c.userName,
		Content:    line,
		Mentioned:  hasMention(line, c.botName),
		Timestamp:  time.Now(),
	}
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(ctx context.Context, chatID string, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, content)
	return err
}

func (c *CLI) ProfileImageURL(ctx context.Context, userID string) (string, error) {
	if c.profileImageURL == "" {
		return "", domain.ErrProfileNotFound
	}
	return c.profileImageURL, nil
}

// UploadImage saves the image under the output directory. The reference is
// the file path.
func (c *CLI) UploadImage(ctx context.Context, up domain.Upload) (*domain.Attachment, error) {
	if err := os.MkdirAll(c.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(c.outputDir, up.Filename)
	if err := os.WriteFile(path, up.Data, 0o644); err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}
	return &domain.Attachment{Type: "image", MediaRef: domain.MediaReference(path), URL: "file://" + path}, nil
}

func (c *CLI) deliver(msg domain.OutboundMessage) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n%s> %s\n", c.botName, msg.Content)
	if msg.Media != nil {
		fmt.Fprintf(&sb, "[image: %s]\n", msg.Media.MediaRef)
	}
	sb.WriteString("You> ")
	c.printf("%s", sb.String())
}

func (c *CLI) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

package channel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"uniqua/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// captureBus records published messages and exposes registered outbound handlers.
type captureBus struct {
	mu       sync.Mutex
	inbound  []domain.InboundMessage
	notify   chan struct{}
	handlers map[string]func(domain.OutboundMessage)
}

func newCaptureBus() *captureBus {
	return &captureBus{
		notify:   make(chan struct{}, 16),
		handlers: make(map[string]func(domain.OutboundMessage)),
	}
}

func (b *captureBus) Publish(msg domain.InboundMessage) {
	b.mu.Lock()
	b.inbound = append(b.inbound, msg)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *captureBus) Subscribe() <-chan domain.InboundMessage { return nil }

func (b *captureBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.Lock()
	h := b.handlers[msg.Channel]
	b.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (b *captureBus) OnOutbound(name string, h func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = h
}

func (b *captureBus) Close() {}

func (b *captureBus) messages() []domain.InboundMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.InboundMessage(nil), b.inbound...)
}

func TestHasMention(t *testing.T) {
	tests := []struct {
		text, handle string
		want         bool
	}{
		{"@uniqua uniquafy me", "uniqua", true},
		{"hey @Uniqua!", "uniqua", true},
		{"hey @uniqua_bot", "uniqua", false},
		{"hey @uniqua_bot and @uniqua", "uniqua", true},
		{"mail me at x@uniquaa.com", "uniqua", false},
		{"uniqua uniquafy me", "uniqua", false},
		{"@uniqua", "@uniqua", true},
		{"@uniqua", "", false},
	}
	for _, tt := range tests {
		if got := hasMention(tt.text, tt.handle); got != tt.want {
			t.Errorf("hasMention(%q, %q) = %v, want %v", tt.text, tt.handle, got, tt.want)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	if got := splitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("unexpected split %q", got)
	}

	msg := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitMessage(msg, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8)+"\n" {
		t.Fatalf("expected newline split, got %q", got)
	}

	got = splitMessage(strings.Repeat("x", 25), 10)
	if len(got) != 3 || strings.Join(got, "") != strings.Repeat("x", 25) {
		t.Fatalf("unexpected hard split %q", got)
	}
}

type stubChannel struct{ name string }

func (s stubChannel) Name() string                                           { return s.name }
func (s stubChannel) Start(ctx context.Context, bus domain.MessageBus) error { return nil }
func (s stubChannel) Stop() error                                            { return nil }
func (s stubChannel) Send(ctx context.Context, chatID, content string) error {
	return nil
}

type failingChannel struct{ stubChannel }

func (f failingChannel) Start(ctx context.Context, bus domain.MessageBus) error {
	return errors.New("no token")
}

func TestRegistry_Capabilities(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(NewCLI(CLIConfig{BotName: "uniqua", Logger: testLogger()}))
	r.Register(stubChannel{name: "plain"})

	if _, ok := r.Profiles("cli"); !ok {
		t.Fatal("cli should expose profile lookup")
	}
	if _, ok := r.Uploader("cli"); !ok {
		t.Fatal("cli should expose uploads")
	}
	if _, ok := r.Profiles("plain"); ok {
		t.Fatal("plain channel has no profile lookup")
	}
	if _, ok := r.Uploader("missing"); ok {
		t.Fatal("unknown channel has no uploader")
	}
	if names := r.Names(); strings.Join(names, ",") != "cli,plain" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestRegistry_StartAllReportsErrors(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(stubChannel{name: "ok"})
	r.Register(failingChannel{stubChannel{name: "bad"}})

	var errs []error
	for err := range r.StartAll(context.Background(), newCaptureBus()) {
		errs = append(errs, err)
	}
	if len(errs) != 1 || !strings.Contains(errs[0].Error(), "channel bad") {
		t.Fatalf("unexpected errors %v", errs)
	}
}

func TestConstructors_DefaultLogger(t *testing.T) {
	loggers := map[string]*slog.Logger{
		"telegram":  NewTelegram(TelegramConfig{}).logger,
		"discord":   NewDiscord(DiscordConfig{}).logger,
		"slack":     NewSlack(SlackConfig{}).logger,
		"cli":       NewCLI(CLIConfig{}).logger,
		"websocket": NewWebSocketChannel(WSConfig{}).logger,
		"registry":  NewRegistry(nil).logger,
	}
	for name, l := range loggers {
		if l == nil {
			t.Errorf("%s: nil logger", name)
		}
	}
}

package channel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"uniqua/internal/domain"
)

func TestCLI_PublishesMentionedLines(t *testing.T) {
	var out strings.Builder
	cli := NewCLI(CLIConfig{
		BotName: "uniqua",
		Logger:  testLogger(),
		In:      strings.NewReader("@uniqua uniquafy me\n\nhello\n/quit\nignored\n"),
		Out:     &out,
	})
	bus := newCaptureBus()

	if err := cli.Start(context.Background(), bus); err != nil {
		t.Fatalf("start: %v", err)
	}

	msgs := bus.messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 published messages, got %d", len(msgs))
	}
	if !msgs[0].Mentioned || msgs[0].Content != "@uniqua uniquafy me" || msgs[0].ChatID != cliChatID {
		t.Fatalf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].Mentioned {
		t.Fatal("plain line should not be mentioned")
	}
	if msgs[0].MessageID == msgs[1].MessageID {
		t.Fatal("message ids should be distinct")
	}
	if !strings.Contains(out.String(), "@uniqua uniquafy me") {
		t.Fatalf("expected usage hint in output, got %q", out.String())
	}
}

func TestCLI_DeliverWithMedia(t *testing.T) {
	var out strings.Builder
	cli := NewCLI(CLIConfig{BotName: "uniqua", Logger: testLogger(), In: strings.NewReader(""), Out: &out})
	bus := newCaptureBus()
	if err := cli.Start(context.Background(), bus); err != nil {
		t.Fatal(err)
	}

	bus.SendOutbound(domain.OutboundMessage{
		Channel: "cli",
		ChatID:  cliChatID,
		Content: "Here you go!",
		Media:   &domain.Attachment{Type: "image", MediaRef: "/tmp/out.png"},
	})

	got := out.String()
	if !strings.Contains(got, "uniqua> Here you go!") || !strings.Contains(got, "[image: /tmp/out.png]") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestCLI_UploadImage(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	cli := NewCLI(CLIConfig{BotName: "uniqua", OutputDir: dir, Logger: testLogger()})

	att, err := cli.UploadImage(context.Background(), domain.Upload{
		ChatID:   cliChatID,
		Filename: "styled.png",
		MIMEType: "image/png",
		Data:     []byte("png-bytes"),
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	want := filepath.Join(dir, "styled.png")
	if string(att.MediaRef) != want || att.URL != "file://"+want {
		t.Fatalf("unexpected attachment %+v", att)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "png-bytes" {
		t.Fatalf("image not written: %v %q", err, data)
	}
}

func TestCLI_ProfileImageURL(t *testing.T) {
	cli := NewCLI(CLIConfig{BotName: "uniqua", Logger: testLogger()})
	if _, err := cli.ProfileImageURL(context.Background(), "local"); !errors.Is(err, domain.ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}

	cli = NewCLI(CLIConfig{BotName: "uniqua", ProfileImageURL: "https://img.example/p_normal.jpg", Logger: testLogger()})
	u, err := cli.ProfileImageURL(context.Background(), "local")
	if err != nil || u != "https://img.example/p_normal.jpg" {
		t.Fatalf("unexpected profile %q, %v", u, err)
	}
}

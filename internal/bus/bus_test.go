package bus

import (
	"testing"
	"time"

	"uniqua/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testLogger())
	defer b.Close()

	b.Publish(domain.InboundMessage{Channel: "cli", Content: "uniquafy me"})

	select {
	case msg := <-b.Subscribe():
		if msg.Content != "uniquafy me" {
			t.Fatalf("unexpected content %q", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryBus_OutboundRouting(t *testing.T) {
	b := New(1, testLogger())
	defer b.Close()

	var got []domain.OutboundMessage
	b.OnOutbound("telegram", func(m domain.OutboundMessage) { got = append(got, m) })

	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", Content: "hi"})
	b.SendOutbound(domain.OutboundMessage{Channel: "discord", Content: "ignored"})

	if len(got) != 1 || got[0].Content != "hi" {
		t.Fatalf("expected only the telegram message, got %+v", got)
	}
}

func TestInMemoryBus_DropsWhenFull(t *testing.T) {
	b := New(1, testLogger())
	b.timeout = 20 * time.Millisecond
	defer b.Close()

	b.Publish(domain.InboundMessage{Content: "first"})
	b.Publish(domain.InboundMessage{Content: "second"})

	if b.Dropped() != 1 {
		t.Fatalf("expected 1 dropped message, got %d", b.Dropped())
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Close() // idempotent

	b.Publish(domain.InboundMessage{Content: "late"})

	if _, ok := <-b.Subscribe(); ok {
		t.Fatal("expected closed inbound channel")
	}
}

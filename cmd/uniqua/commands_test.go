package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"uniqua/internal/bus"
	"uniqua/internal/character"
	"uniqua/internal/store"
	"uniqua/internal/uniquafy"
)

func TestActionRegistry_DescribesUniquafy(t *testing.T) {
	reg, err := newActionRegistry(uniquafy.ActionConfig{Character: character.Default()})
	if err != nil {
		t.Fatal(err)
	}
	a := reg.Get("makeover")
	if a == nil || a.Name() != uniquafy.ActionName {
		t.Fatalf("simile lookup failed: %v", a)
	}

	var out bytes.Buffer
	writeActions(&out, reg.Actions())
	text := out.String()
	for _, want := range []string{
		"UNIQUAFY\n",
		"similes:     TRANSFORM, MAKEOVER, CONVERT",
		"description: Turn the sender's profile picture",
		"example 1:",
		"{{user1}}: @uniqua uniquafy me!",
		"[UNIQUAFY]",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestWriteRecord(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	done := created.Add(1500 * time.Millisecond)

	var out bytes.Buffer
	writeRecord(&out, &store.Record{
		ID:          "r1",
		Channel:     "slack",
		UserID:      "U1",
		Status:      store.StatusCompleted,
		MediaRef:    "F123",
		CreatedAt:   created,
		CompletedAt: &done,
	})
	text := out.String()
	for _, want := range []string{"Request:   r1", "Status:    completed", "Media:     F123", "Took:      1.5s"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Error:") || strings.Contains(text, "Chat:") {
		t.Errorf("empty fields should be omitted:\n%s", text)
	}
}

func TestAppStatus(t *testing.T) {
	a := &app{
		bus:    bus.New(1, logger),
		events: bus.NewEventBus(10, logger),
	}
	defer a.bus.Close()

	st := a.status()
	if st["recent_failures"] != 0 || st["dropped_inbound"] != int64(0) {
		t.Fatalf("unexpected idle status %v", st)
	}
	if _, ok := st["last_failure"]; ok {
		t.Fatal("no failure expected")
	}

	a.events.Emit(bus.Event{Type: bus.EventCompleted, Source: "telegram", RequestID: "r0"})
	a.events.Emit(bus.Event{Type: bus.EventFailed, Source: "discord", RequestID: "r1", Payload: map[string]any{"status": store.StatusFailed}})
	a.events.Emit(bus.Event{
		Type:      bus.EventFailed,
		Source:    "slack",
		RequestID: "old",
		Timestamp: time.Now().Add(-2 * failureWindow),
	})

	st = a.status()
	if st["recent_failures"] != 1 {
		t.Fatalf("expected 1 recent failure, got %v", st["recent_failures"])
	}
	last := st["last_failure"].(map[string]any)
	if last["request"] != "r1" || last["channel"] != "discord" || last["status"] != store.StatusFailed {
		t.Fatalf("unexpected last failure %v", last)
	}
}

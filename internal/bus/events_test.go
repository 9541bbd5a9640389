package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	eb := NewEventBus(10, testLogger())

	var received int32
	eb.On(EventCompleted, func(e Event) {
		if e.RequestID != "req-1" {
			t.Errorf("unexpected request id %q", e.RequestID)
		}
		atomic.AddInt32(&received, 1)
	})

	eb.Emit(Event{Type: EventCompleted, RequestID: "req-1"})

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected 1 event received, got %d", received)
	}
}

func TestEventBus_WildcardHandler(t *testing.T) {
	eb := NewEventBus(10, testLogger())

	var count int32
	eb.On("*", func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventTriggered})
	eb.Emit(Event{Type: EventFailed})

	if atomic.LoadInt32(&count) != 2 {
		t.Errorf("expected 2, got %d", count)
	}
}

func TestEventBus_Off(t *testing.T) {
	eb := NewEventBus(10, testLogger())

	var count int32
	id := eb.On(EventStageFinished, func(e Event) {
		atomic.AddInt32(&count, 1)
	})

	eb.Emit(Event{Type: EventStageFinished})
	eb.Off(EventStageFinished, id)
	eb.Emit(Event{Type: EventStageFinished})

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestEventBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	eb := NewEventBus(10, testLogger())

	var count int32
	eb.On(EventFailed, func(e Event) { panic("boom") })
	eb.On(EventFailed, func(e Event) { atomic.AddInt32(&count, 1) })

	eb.Emit(Event{Type: EventFailed})

	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("second handler should still run, got %d calls", count)
	}
}

func TestEventBus_ReplayIsBounded(t *testing.T) {
	eb := NewEventBus(3, testLogger())

	for i := 0; i < 5; i++ {
		eb.Emit(Event{Type: EventTriggered})
	}
	eb.Emit(Event{Type: EventCompleted})

	if got := len(eb.Replay("*", time.Time{})); got != 3 {
		t.Fatalf("expected history capped at 3, got %d", got)
	}
	if got := len(eb.Replay(EventCompleted, time.Time{})); got != 1 {
		t.Fatalf("expected 1 completed event, got %d", got)
	}
	if got := len(eb.Replay("*", time.Now().Add(time.Hour))); got != 0 {
		t.Fatalf("expected no events in the future, got %d", got)
	}
}

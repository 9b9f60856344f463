package bus

import (
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testEBLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestEventBus_TypedAndWildcard(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var received, all int32
	eb.On(EventMessageReceived, func(e Event) { atomic.AddInt32(&received, 1) })
	eb.On("*", func(e Event) { atomic.AddInt32(&all, 1) })

	eb.Emit(Event{Type: EventMessageReceived, Payload: map[string]any{"kind": "Text"}})
	eb.Emit(Event{Type: EventReplySent})

	if got := atomic.LoadInt32(&received); got != 1 {
		t.Errorf("typed handler: got %d, want 1", got)
	}
	if got := atomic.LoadInt32(&all); got != 2 {
		t.Errorf("wildcard handler: got %d, want 2", got)
	}
}

func TestEventBus_OffAfterEarlierRemoval(t *testing.T) {
	eb := NewEventBus(testEBLogger())

	var a, b int32
	idA := eb.On(EventReplySent, func(Event) { atomic.AddInt32(&a, 1) })
	idB := eb.On(EventReplySent, func(Event) { atomic.AddInt32(&b, 1) })
	eb.Off(EventReplySent, idA)
	idC := eb.On(EventReplySent, func(Event) {})

	if idC == idB {
		t.Fatalf("handler ids must stay unique, both are %q", idB)
	}
	eb.Off(EventReplySent, idB)
	eb.Emit(Event{Type: EventReplySent})

	if atomic.LoadInt32(&a) != 0 || atomic.LoadInt32(&b) != 0 {
		t.Errorf("removed handlers were called: a=%d b=%d", a, b)
	}
}

func TestEventBus_ReplaySinceAndLimit(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	eb.maxHistory = 3

	eb.Emit(Event{Type: EventMessageDropped, Timestamp: time.Now().Add(-time.Hour)})
	threshold := time.Now()
	for i := 0; i < 3; i++ {
		eb.Emit(Event{Type: EventMessageReceived})
	}

	if eb.HistoryLen() != 3 {
		t.Errorf("history len = %d, want 3", eb.HistoryLen())
	}
	if got := eb.Replay(EventMessageReceived, threshold); len(got) != 3 {
		t.Errorf("replay since threshold = %d events, want 3", len(got))
	}
	if got := eb.Replay(EventMessageDropped, time.Time{}); len(got) != 0 {
		t.Errorf("oldest event should have been evicted, got %d", len(got))
	}
}

func TestEventBus_PanicRecovery(t *testing.T) {
	eb := NewEventBus(testEBLogger())
	var after int32
	eb.On(EventReplyFailed, func(Event) { panic("boom") })
	eb.On(EventReplyFailed, func(Event) { atomic.AddInt32(&after, 1) })

	eb.Emit(Event{Type: EventReplyFailed})

	if atomic.LoadInt32(&after) != 1 {
		t.Error("handler after a panicking one should still run")
	}
}

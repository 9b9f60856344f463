package gateway

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/domain"
	"wxbot/internal/plugin"
	"wxbot/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// replyPlugin answers every context on HandleContext.
type replyPlugin struct {
	reply domain.Reply
	delay time.Duration

	active, peak atomic.Int32
}

func (p *replyPlugin) Name() string     { return "reply" }
func (p *replyPlugin) Priority() int    { return 0 }
func (p *replyPlugin) HelpText() string { return "" }

func (p *replyPlugin) Handle(ctx context.Context, ec *plugin.EventContext) error {
	if ec.Event != plugin.EventHandleContext {
		return nil
	}
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r := p.reply
	ec.Reply = &r
	ec.Action = plugin.ActionBreakPass
	return nil
}

type memLog struct {
	mu   sync.Mutex
	recs []store.MessageRecord
}

func (m *memLog) LogMessage(_ context.Context, rec store.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

type harness struct {
	pool   *Pool
	bus    *bus.InMemoryBus
	events *bus.EventBus
	log    *memLog

	mu   sync.Mutex
	sent []domain.OutboundMessage
	fail error
}

func newHarness(t *testing.T, plugins ...plugin.Plugin) *harness {
	t.Helper()
	h := &harness{
		bus:    bus.New(100, testLogger()),
		events: bus.NewEventBus(testLogger()),
		log:    &memLog{},
	}
	reg := plugin.NewRegistry(testLogger())
	for _, p := range plugins {
		reg.Register(p)
	}
	h.bus.OnOutbound("test", func(msg domain.OutboundMessage) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.fail != nil {
			return h.fail
		}
		h.sent = append(h.sent, msg)
		return nil
	})
	h.pool = New(Config{
		Bus:         h.bus,
		Plugins:     reg,
		Events:      h.events,
		Log:         h.log,
		Concurrency: 2,
		Timeout:     time.Second,
		Logger:      testLogger(),
	})
	return h
}

func (h *harness) sentMessages() []domain.OutboundMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.OutboundMessage(nil), h.sent...)
}

func textContext(content string) domain.Context {
	return domain.Context{Channel: "test", Type: domain.ContextText, Content: content, Receiver: "u1", SessionID: "u1"}
}

func TestProcess_GroupTextAddressesSender(t *testing.T) {
	h := newHarness(t, &replyPlugin{reply: domain.Reply{Type: domain.ReplyText, Content: "hi"}})
	c := textContext("hello")
	c.IsGroup = true
	c.Receiver = "@@room"
	c.ActualNickName = "Alice"

	h.pool.Process(context.Background(), c)

	sent := h.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d replies", len(sent))
	}
	if sent[0].Reply.Content != "@Alice\nhi" || sent[0].Receiver != "@@room" || !sent[0].IsGroup {
		t.Errorf("unexpected outbound: %+v", sent[0])
	}
}

func TestProcess_ErrorAndInfoTags(t *testing.T) {
	tests := []struct {
		reply domain.Reply
		want  string
	}{
		{domain.Reply{Type: domain.ReplyError, Content: "boom"}, "[ERROR]\nboom"},
		{domain.Reply{Type: domain.ReplyInfo, Content: "fyi"}, "[INFO]\nfyi"},
		{domain.Reply{Type: domain.ReplyText, Content: "plain"}, "plain"},
	}
	for _, tt := range tests {
		h := newHarness(t, &replyPlugin{reply: tt.reply})
		h.pool.Process(context.Background(), textContext("x"))
		sent := h.sentMessages()
		if len(sent) != 1 || sent[0].Reply.Content != tt.want {
			t.Errorf("%s: sent = %+v", tt.reply.Type, sent)
		}
	}
}

func TestProcess_NoReply(t *testing.T) {
	h := newHarness(t)
	h.pool.Process(context.Background(), textContext("nobody answers"))
	if len(h.sentMessages()) != 0 {
		t.Error("nothing should be sent without a reply")
	}
	if len(h.log.recs) != 1 || h.log.recs[0].Direction != store.DirectionIn {
		t.Errorf("log = %+v", h.log.recs)
	}
}

func TestProcess_EventsAndLog(t *testing.T) {
	h := newHarness(t, &replyPlugin{reply: domain.Reply{Type: domain.ReplyText, Content: "ok"}})
	var got []string
	h.events.On("*", func(e bus.Event) { got = append(got, e.Type) })

	h.pool.Process(context.Background(), textContext("hi"))

	want := []string{bus.EventPluginHandled, bus.EventReplySent}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
	if len(h.log.recs) != 2 || h.log.recs[1].Direction != store.DirectionOut || h.log.recs[1].Content != "ok" {
		t.Errorf("log = %+v", h.log.recs)
	}
}

func TestProcess_SendFailure(t *testing.T) {
	h := newHarness(t, &replyPlugin{reply: domain.Reply{Type: domain.ReplyText, Content: "ok"}})
	h.fail = errors.New("network down")
	var failed int
	h.events.On(bus.EventReplyFailed, func(bus.Event) { failed++ })

	h.pool.Process(context.Background(), textContext("hi"))
	if failed != 1 {
		t.Errorf("reply.failed events = %d", failed)
	}
}

func TestProcess_UnknownChannel(t *testing.T) {
	h := newHarness(t, &replyPlugin{reply: domain.Reply{Type: domain.ReplyText, Content: "ok"}})
	var failed int
	h.events.On(bus.EventReplyFailed, func(bus.Event) { failed++ })

	c := textContext("hi")
	c.Channel = "nowhere"
	h.pool.Process(context.Background(), c)
	if failed != 1 {
		t.Errorf("reply.failed events = %d", failed)
	}
}

func TestRun_BoundedConcurrency(t *testing.T) {
	rp := &replyPlugin{reply: domain.Reply{Type: domain.ReplyText, Content: "ok"}, delay: 50 * time.Millisecond}
	h := newHarness(t, rp)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Run(ctx) }()

	for i := 0; i < 6; i++ {
		c := textContext("hi")
		c.SessionID = string(rune('a' + i))
		h.bus.Publish(c)
	}

	deadline := time.After(3 * time.Second)
	for len(h.sentMessages()) < 6 {
		select {
		case <-deadline:
			t.Fatalf("only %d replies sent", len(h.sentMessages()))
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
	if peak := rp.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestRun_Timeout(t *testing.T) {
	rp := &replyPlugin{reply: domain.Reply{Type: domain.ReplyText, Content: "late"}, delay: 5 * time.Second}
	h := newHarness(t, rp)
	h.pool.timeout = 20 * time.Millisecond

	start := time.Now()
	h.pool.Process(context.Background(), textContext("hi"))
	if time.Since(start) > time.Second {
		t.Error("timeout not applied")
	}
	if len(h.sentMessages()) != 0 {
		t.Error("timed out context should not reply")
	}
}

func TestSessionLimiter(t *testing.T) {
	l := newSessionLimiter(2, 60)
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("burst should be allowed")
	}
	if l.Allow("a") {
		t.Error("third message should be limited")
	}
	if !l.Allow("b") {
		t.Error("sessions are independent")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Error("bucket should refill at one token per second")
	}

	disabled := newSessionLimiter(1, 0)
	if !disabled.Allow("a") || !disabled.Allow("a") {
		t.Error("zero rate disables limiting")
	}
}

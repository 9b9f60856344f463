package channel

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/domain"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsole_PublishesLines(t *testing.T) {
	out := &syncBuffer{}
	c := NewConsole(ConsoleConfig{In: strings.NewReader("hello\n\n/quit\nignored\n"), Out: out, Logger: testLogger()})
	b := bus.New(10, testLogger())

	if err := c.Start(context.Background(), b); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case got := <-b.Subscribe():
		if got.Type != domain.ContextText || got.Content != "hello" || got.Receiver != consoleReceiver {
			t.Errorf("unexpected context: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no context published")
	}
	select {
	case extra := <-b.Subscribe():
		t.Errorf("nothing after /quit should be published, got %+v", extra)
	default:
	}
}

func TestConsole_Outbound(t *testing.T) {
	out := &syncBuffer{}
	c := NewConsole(ConsoleConfig{In: strings.NewReader(""), Out: out, Logger: testLogger()})
	b := bus.New(10, testLogger())
	if err := c.Start(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	b.SendOutbound(domain.OutboundMessage{Channel: consoleChannelName, Receiver: consoleReceiver, Reply: domain.Reply{Type: domain.ReplyText, Content: "pong"}})
	b.SendOutbound(domain.OutboundMessage{Channel: consoleChannelName, Receiver: consoleReceiver, Reply: domain.Reply{Type: domain.ReplyVoice, Content: "/tmp/a.mp3"}})

	got := out.String()
	if !strings.Contains(got, "Bot> pong\n") {
		t.Errorf("missing text reply in %q", got)
	}
	if !strings.Contains(got, "Bot> [VOICE] /tmp/a.mp3\n") {
		t.Errorf("missing voice reply in %q", got)
	}
}

package bus

import (
	"errors"
	"testing"

	"wxbot/internal/domain"
)

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	b := New(4, testEBLogger())
	defer b.Close()

	b.Publish(domain.Context{Channel: "wechat", Type: domain.ContextText, Content: "hi"})

	got := <-b.Subscribe()
	if got.Content != "hi" || got.Channel != "wechat" {
		t.Errorf("unexpected context: %+v", got)
	}
}

func TestInMemoryBus_OutboundRouting(t *testing.T) {
	b := New(1, testEBLogger())
	defer b.Close()

	var got []domain.OutboundMessage
	b.OnOutbound("wechat", func(m domain.OutboundMessage) error {
		got = append(got, m)
		return nil
	})

	if err := b.SendOutbound(domain.OutboundMessage{Channel: "wechat", Receiver: "@u", Reply: domain.Reply{Type: domain.ReplyText, Content: "ok"}}); err != nil {
		t.Fatal(err)
	}
	if err := b.SendOutbound(domain.OutboundMessage{Channel: "telegram", Receiver: "1"}); !errors.Is(err, ErrNoHandler) {
		t.Fatalf("err = %v, want ErrNoHandler", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 routed message, got %d", len(got))
	}
	if got[0].Reply.Content != "ok" {
		t.Errorf("content = %q", got[0].Reply.Content)
	}
}

func TestInMemoryBus_PublishAfterClose(t *testing.T) {
	b := New(1, testEBLogger())
	b.Close()
	b.Close()
	b.Publish(domain.Context{Channel: "wechat"})

	if _, ok := <-b.Subscribe(); ok {
		t.Error("expected closed channel")
	}
}

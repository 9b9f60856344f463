package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/domain"

	"github.com/gorilla/websocket"
)

func TestBuildSay(t *testing.T) {
	now := time.Unix(1700000000, 0)
	dir := t.TempDir()
	voice := filepath.Join(dir, "reply.mp3")
	if err := os.WriteFile(voice, []byte("ID3audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	say, err := buildSay("@@room", true, domain.Reply{Type: domain.ReplyText, Content: "hi"}, now)
	if err != nil || say.Text != "hi" || !say.Room || say.File != nil {
		t.Errorf("text say = %+v, %v", say, err)
	}

	say, err = buildSay("u1", false, domain.Reply{Type: domain.ReplyVoice, Content: voice}, now)
	if err != nil {
		t.Fatal(err)
	}
	if say.File == nil || say.File.Name != "1700000000.mp3" {
		t.Fatalf("voice file = %+v", say.File)
	}
	if got, _ := base64.StdEncoding.DecodeString(say.File.Base64); string(got) != "ID3audio" {
		t.Errorf("voice payload = %q", got)
	}

	say, _ = buildSay("u1", false, domain.Reply{Type: domain.ReplyImageURL, Content: "https://x/y.jpg"}, now)
	if say.File == nil || say.File.URL != "https://x/y.jpg" || say.File.Name != "1700000000.png" {
		t.Errorf("image url file = %+v", say.File)
	}

	png := []byte("\x89PNG\r\n\x1a\n0000000000000000")
	say, _ = buildSay("u1", false, domain.Reply{Type: domain.ReplyImage, Data: png}, now)
	if say.File == nil || say.File.Name != "1700000000.png" {
		t.Errorf("image data file = %+v", say.File)
	}

	if _, err := buildSay("u1", false, domain.Reply{Type: domain.ReplyFile, Content: filepath.Join(dir, "missing")}, now); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestWechaty_RoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := make(chan wechatySay, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Error("missing bearer token")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()

		conn.WriteJSON(wechatyEvent{Event: "login", User: &wechatyUser{ID: "bot", Name: "Bot"}})
		conn.WriteJSON(wechatyEvent{Event: "message", Message: &wechatyMessage{
			ID: "m1", Type: "text", Text: "@Bot ping",
			Talker:      wechatyUser{ID: "alice", Name: "Alice"},
			Room:        &wechatyRoom{ID: "r1@chatroom", Topic: "Team"},
			MentionSelf: true,
		}})
		conn.WriteJSON(wechatyEvent{Event: "message", Message: &wechatyMessage{ID: "m2", Type: "text", Text: "chatter", Room: &wechatyRoom{ID: "r1@chatroom"}}})

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var say wechatySay
		json.Unmarshal(data, &say)
		frames <- say
	}))
	defer srv.Close()

	b := bus.New(10, testLogger())
	c := NewWechaty(WechatyConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Token: "tok", Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx, b) }()

	var got domain.Context
	select {
	case got = <-b.Subscribe():
	case <-time.After(2 * time.Second):
		t.Fatal("no context received")
	}
	if got.Content != "ping" || !got.IsGroup || got.Receiver != "r1@chatroom" || got.ActualNickName != "Alice" {
		t.Errorf("unexpected context: %+v", got)
	}

	err := b.SendOutbound(domain.OutboundMessage{
		Channel: wechatyChannelName, Receiver: got.Receiver, IsGroup: true,
		Reply: domain.Reply{Type: domain.ReplyText, Content: "pong"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case say := <-frames:
		if say.Action != "say" || say.To != "r1@chatroom" || !say.Room || say.Text != "pong" {
			t.Errorf("unexpected frame: %+v", say)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}

	select {
	case extra := <-b.Subscribe():
		t.Errorf("unprefixed group chatter should be dropped, got %+v", extra)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Start did not return after cancel")
	}
}

func TestWechaty_SendDisconnected(t *testing.T) {
	c := NewWechaty(WechatyConfig{URL: "ws://127.0.0.1:1", Logger: testLogger()})
	err := c.Send(context.Background(), "u1", domain.Reply{Type: domain.ReplyText, Content: "x"})
	if err != errWechatyNotConnected {
		t.Errorf("err = %v", err)
	}
}

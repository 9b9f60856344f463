package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/domain"
	"wxbot/internal/itchat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var testNow = time.Unix(1700000000, 0)

func newTestWeChat(t *testing.T, baseURL string, mutate func(*WeChatConfig)) (*WeChat, *bus.InMemoryBus, *bus.EventBus) {
	t.Helper()
	s := itchat.NewSession(itchat.SessionConfig{Timeout: 5 * time.Second, Logger: testLogger()})
	s.SetLoginInfo(itchat.LoginInfo{URL: baseURL, FileURL: baseURL, SyncURL: baseURL, Skey: "@crypt", Wxsid: "sid", Wxuin: "1", DeviceID: "e1"})
	s.SetSelf(itchat.Member{UserName: "@self", NickName: "Bot"})

	events := bus.NewEventBus(testLogger())
	cfg := WeChatConfig{
		Session:         s,
		GroupChatPrefix: []string{"@bot"},
		DedupWindow:     time.Minute,
		Events:          events,
		Logger:          testLogger(),
		Now:             func() time.Time { return testNow },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	w := NewWeChat(cfg)
	b := bus.New(10, testLogger())
	w.bus = b
	return w, b, events
}

func textMessage(id, from, text string) *itchat.Message {
	return &itchat.Message{
		Raw:     itchat.RawMessage{MsgID: itchat.FlexID(id), FromUserName: from, ToUserName: "@self", CreateTime: testNow.Unix()},
		Content: itchat.Text{Text: text},
		User:    itchat.Contact{UserName: from, NickName: "Alice"},
	}
}

func groupMessage(id, text string, isAt bool) *itchat.Message {
	return &itchat.Message{
		Raw:     itchat.RawMessage{MsgID: itchat.FlexID(id), FromUserName: "@@room", ToUserName: "@self", CreateTime: testNow.Unix()},
		Content: itchat.Text{Text: text},
		User:    itchat.Contact{UserName: "@@room", NickName: "Team", Self: &itchat.Member{UserName: "@self", DisplayName: "Helper"}},
		IsGroup: true,
		Group:   &itchat.GroupSender{ChatroomUserName: "@@room", ActualUserName: "@alice", ActualNickName: "Alice", Content: text, IsAt: isAt},
	}
}

func receive(t *testing.T, b *bus.InMemoryBus) (domain.Context, bool) {
	t.Helper()
	select {
	case c := <-b.Subscribe():
		return c, true
	case <-time.After(100 * time.Millisecond):
		return domain.Context{}, false
	}
}

func TestWeChat_SingleText(t *testing.T) {
	w, b, _ := newTestWeChat(t, "", nil)
	w.handle(textMessage("1", "@alice", "hello"))

	c, ok := receive(t, b)
	if !ok {
		t.Fatal("expected a context")
	}
	if c.Type != domain.ContextText || c.Content != "hello" {
		t.Errorf("unexpected context: %+v", c)
	}
	if c.Receiver != "@alice" || c.IsGroup {
		t.Errorf("receiver = %q group = %v", c.Receiver, c.IsGroup)
	}
	if c.Payload != nil {
		t.Error("text message should have no payload")
	}
}

func TestWeChat_Dedup(t *testing.T) {
	w, b, events := newTestWeChat(t, "", nil)
	var reasons []string
	events.On(bus.EventMessageDropped, func(e bus.Event) {
		reasons = append(reasons, e.Payload["reason"].(string))
	})

	w.handle(textMessage("7", "@alice", "hi"))
	w.handle(textMessage("7", "@alice", "hi"))

	if _, ok := receive(t, b); !ok {
		t.Fatal("first delivery should pass")
	}
	if _, ok := receive(t, b); ok {
		t.Error("duplicate should be dropped")
	}
	if len(reasons) != 1 || reasons[0] != dropDuplicate {
		t.Errorf("reasons = %v", reasons)
	}
}

func TestWeChat_DropsSelfAndHistory(t *testing.T) {
	w, b, _ := newTestWeChat(t, "", nil)

	w.handle(textMessage("1", "@self", "from me"))
	old := textMessage("2", "@alice", "old")
	old.Raw.CreateTime = testNow.Add(-10 * time.Minute).Unix()
	w.handle(old)

	if c, ok := receive(t, b); ok {
		t.Errorf("expected nothing, got %+v", c)
	}
}

func TestWeChat_SinglePrefix(t *testing.T) {
	w, b, _ := newTestWeChat(t, "", func(c *WeChatConfig) { c.SingleChatPrefix = []string{"bot"} })

	w.handle(textMessage("1", "@alice", "no prefix"))
	w.handle(textMessage("2", "@alice", "bot what time"))

	c, ok := receive(t, b)
	if !ok {
		t.Fatal("prefixed message should pass")
	}
	if c.Content != "what time" {
		t.Errorf("content = %q", c.Content)
	}
	if _, ok := receive(t, b); ok {
		t.Error("only one context expected")
	}
}

func TestWeChat_GroupMention(t *testing.T) {
	w, b, _ := newTestWeChat(t, "", nil)

	w.handle(groupMessage("1", "chatting among ourselves", false))
	w.handle(groupMessage("2", "@Helper weather today", true))

	c, ok := receive(t, b)
	if !ok {
		t.Fatal("mentioned message should pass")
	}
	if c.Content != "weather today" {
		t.Errorf("content = %q", c.Content)
	}
	if c.Receiver != "@@room" || c.ActualUserName != "@alice" || c.ActualNickName != "Alice" {
		t.Errorf("unexpected group attribution: %+v", c)
	}
	if !c.IsMentioned {
		t.Error("expected IsMentioned")
	}
	if _, ok := receive(t, b); ok {
		t.Error("unmentioned message should be dropped")
	}
}

func TestWeChat_GroupPrefix(t *testing.T) {
	w, b, _ := newTestWeChat(t, "", nil)
	w.handle(groupMessage("1", "@bot #help", false))

	c, ok := receive(t, b)
	if !ok {
		t.Fatal("prefixed group message should pass")
	}
	if c.Content != "#help" {
		t.Errorf("content = %q", c.Content)
	}
}

func TestWeChat_GroupWhiteList(t *testing.T) {
	w, b, _ := newTestWeChat(t, "", func(c *WeChatConfig) { c.GroupNameWhiteList = []string{"Other"} })
	w.handle(groupMessage("1", "@bot hi", false))
	if _, ok := receive(t, b); ok {
		t.Error("group outside whitelist should be dropped")
	}

	w, b, _ = newTestWeChat(t, "", func(c *WeChatConfig) { c.GroupNameWhiteList = []string{allGroups} })
	w.handle(groupMessage("1", "@bot hi", false))
	if _, ok := receive(t, b); !ok {
		t.Error("ALL_GROUP should allow every group")
	}
}

func TestWeChat_JoinGroupNote(t *testing.T) {
	w, b, _ := newTestWeChat(t, "", nil)
	msg := groupMessage("1", "", false)
	msg.Content = itchat.Note{Text: `"Bob"加入了群聊`}
	w.handle(msg)

	c, ok := receive(t, b)
	if !ok {
		t.Fatal("join note should pass")
	}
	if c.Type != domain.ContextJoinGroup {
		t.Errorf("type = %v", c.Type)
	}
}

func TestWeChat_UnsupportedKind(t *testing.T) {
	w, b, _ := newTestWeChat(t, "", nil)
	msg := textMessage("1", "@alice", "")
	msg.Content = itchat.Card{}
	w.handle(msg)
	if _, ok := receive(t, b); ok {
		t.Error("cards should be dropped")
	}
}

func TestWeChat_Send(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/webwxsendmsg") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		data, _ := io.ReadAll(r.Body)
		body = string(data)
		w.Write([]byte(`{"BaseResponse":{"Ret":0,"ErrMsg":""},"MsgID":"42","LocalID":"1"}`))
	}))
	defer srv.Close()

	w, _, _ := newTestWeChat(t, srv.URL, nil)
	if err := w.Send(context.Background(), "@alice", domain.Reply{Type: domain.ReplyText, Content: "pong"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(body, `"pong"`) || !strings.Contains(body, `"@alice"`) {
		t.Errorf("unexpected request body: %s", body)
	}
}

func TestWeChat_SendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"BaseResponse":{"Ret":1101,"ErrMsg":"logged out"}}`))
	}))
	defer srv.Close()

	w, _, _ := newTestWeChat(t, srv.URL, nil)
	err := w.Send(context.Background(), "@alice", domain.Reply{Type: domain.ReplyText, Content: "pong"})
	if err == nil {
		t.Fatal("expected error")
	}
	var rerr *itchat.Error
	if !errors.As(err, &rerr) || rerr.Code != 1101 {
		t.Errorf("err = %v", err)
	}
}

type memRosters struct{ rooms []itchat.Contact }

func (m *memRosters) SaveChatroom(ctx context.Context, room itchat.Contact) error {
	m.rooms = append(m.rooms, room)
	return nil
}

func (m *memRosters) LoadChatrooms(ctx context.Context) ([]itchat.Contact, error) {
	return m.rooms, nil
}

func TestWeChat_SnapshotsOnlyAfterResume(t *testing.T) {
	rosters := &memRosters{rooms: []itchat.Contact{{UserName: "@@old", NickName: "Team"}}}
	w, _, _ := newTestWeChat(t, "", func(c *WeChatConfig) { c.Store = rosters })

	w.restoreSnapshots(context.Background())
	if _, _, rooms := w.directory.Counts(); rooms != 0 {
		t.Fatalf("fresh login restored %d chatrooms", rooms)
	}

	w.resumed = true
	w.restoreSnapshots(context.Background())
	if _, _, rooms := w.directory.Counts(); rooms != 1 {
		t.Fatalf("resumed session restored %d chatrooms, want 1", rooms)
	}
}

func TestStripMentions(t *testing.T) {
	tests := []struct {
		in    string
		names []string
		want  string
	}{
		{"@Bot hello", []string{"Bot"}, "hello"},
		{"hi @Bot", []string{"Bot"}, "hi"},
		{"@Bot.x hi", []string{"Bot"}, "@Bot.x hi"},
		{"@A (b) yo", []string{"A (b)"}, "yo"},
	}
	for _, tt := range tests {
		if got := stripMentions(tt.in, tt.names...); got != tt.want {
			t.Errorf("stripMentions(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMsgCache(t *testing.T) {
	c := newMsgCache(time.Minute)
	now := testNow
	c.now = func() time.Time { return now }

	if c.Seen("a") {
		t.Error("first sighting should not be seen")
	}
	if !c.Seen("a") {
		t.Error("second sighting should be seen")
	}
	now = now.Add(2 * time.Minute)
	if c.Seen("a") {
		t.Error("expired entry should not be seen")
	}
	if newMsgCache(0).Seen("x") || newMsgCache(0).Seen("x") {
		t.Error("zero ttl disables the cache")
	}
}

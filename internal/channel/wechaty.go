package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/domain"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/websocket"
)

const (
	wechatyChannelName = "wechaty"
	wechatyRetryMin    = 2 * time.Second
	wechatyRetryMax    = time.Minute
)

var errWechatyNotConnected = errors.New("wechaty: gateway not connected")

type WechatyConfig struct {
	URL             string // ws:// or wss:// endpoint of the puppet gateway
	Token           string
	GroupChatPrefix []string
	Events          *bus.EventBus
	Client          *http.Client // media downloads
	Logger          *slog.Logger
}

// Wechaty talks to a puppet gateway over a websocket. Inbound frames are
// events; outbound frames are "say" actions.
type Wechaty struct {
	cfg    WechatyConfig
	client *http.Client
	logger *slog.Logger
	bus    domain.MessageBus
	seen   *msgCache

	mu      sync.Mutex
	conn    *websocket.Conn
	self    wechatyUser
	writeMu sync.Mutex
}

type wechatyUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wechatyRoom struct {
	ID    string `json:"id"`
	Topic string `json:"topic"`
}

type wechatyFile struct {
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
	Base64 string `json:"base64,omitempty"`
}

type wechatyMessage struct {
	ID          string       `json:"id"`
	Type        string       `json:"type"` // text, audio, image, video, attachment, url
	Text        string       `json:"text"`
	Talker      wechatyUser  `json:"talker"`
	Room        *wechatyRoom `json:"room,omitempty"`
	MentionSelf bool         `json:"mentionSelf"`
	Self        bool         `json:"self"`
	Timestamp   int64        `json:"timestamp"`
	File        *wechatyFile `json:"file,omitempty"`
}

type wechatyEvent struct {
	Event   string          `json:"event"` // login, logout, message
	User    *wechatyUser    `json:"user,omitempty"`
	Message *wechatyMessage `json:"message,omitempty"`
}

type wechatySay struct {
	Action string       `json:"action"`
	To     string       `json:"to"`
	Room   bool         `json:"room"`
	Text   string       `json:"text,omitempty"`
	File   *wechatyFile `json:"file,omitempty"`
}

func NewWechaty(cfg WechatyConfig) *Wechaty {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Wechaty{
		cfg:    cfg,
		client: cfg.Client,
		logger: cfg.Logger.With("channel", wechatyChannelName),
		seen:   newMsgCache(5 * time.Minute),
	}
}

func (c *Wechaty) Name() string { return wechatyChannelName }

// Start connects and reads events until ctx is done, reconnecting with
// exponential backoff when the gateway drops the connection.
func (c *Wechaty) Start(ctx context.Context, b domain.MessageBus) error {
	if c.cfg.URL == "" {
		return errors.New("wechaty: url not configured")
	}
	c.bus = b
	b.OnOutbound(wechatyChannelName, func(msg domain.OutboundMessage) error {
		return c.sendTo(ctx, msg.Receiver, msg.IsGroup, msg.Reply)
	})

	wait := wechatyRetryMin
	for {
		err := c.connect(ctx)
		if err == nil {
			wait = wechatyRetryMin
			err = c.listen(ctx)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("gateway connection lost", "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, wechatyRetryMax)
	}
}

func (c *Wechaty) connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("gateway connected", "url", c.cfg.URL)
	return nil
}

func (c *Wechaty) listen(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev wechatyEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("malformed gateway frame", "err", err)
			continue
		}
		c.handleEvent(ev)
	}
}

func (c *Wechaty) handleEvent(ev wechatyEvent) {
	switch ev.Event {
	case "login":
		if ev.User != nil {
			c.mu.Lock()
			c.self = *ev.User
			c.mu.Unlock()
			c.logger.Info("logged in", "user", ev.User.Name)
			c.emit(bus.EventLoginConfirmed, map[string]any{"resumed": false})
		}
	case "logout":
		c.logger.Warn("gateway reported logout")
	case "message":
		if ev.Message != nil {
			c.handleMessage(*ev.Message)
		}
	default:
		c.logger.Debug("ignoring gateway event", "event", ev.Event)
	}
}

func (c *Wechaty) handleMessage(m wechatyMessage) {
	if c.seen.Seen(m.ID) {
		c.drop(dropDuplicate)
		return
	}
	c.emit(bus.EventMessageReceived, map[string]any{"channel": wechatyChannelName, "kind": m.Type})
	if m.Self {
		c.drop(dropSelf)
		return
	}

	ctx := domain.Context{
		Channel:   wechatyChannelName,
		Content:   m.Text,
		Receiver:  m.Talker.ID,
		SessionID: m.Talker.ID,
		Msg:       m,
		Timestamp: time.Unix(m.Timestamp, 0),
	}
	switch m.Type {
	case "text":
		ctx.Type = domain.ContextText
	case "audio":
		ctx.Type = domain.ContextVoice
	case "image":
		ctx.Type = domain.ContextImage
	case "video":
		ctx.Type = domain.ContextVideo
	case "attachment":
		ctx.Type = domain.ContextFile
	case "url":
		ctx.Type = domain.ContextSharing
	default:
		c.drop(dropUnsupported)
		return
	}
	if m.File != nil && m.File.URL != "" {
		ctx.Payload = urlPayload{client: c.client, url: m.File.URL, name: m.File.Name}
		if ctx.Content == "" {
			ctx.Content = m.File.Name
		}
	}

	if m.Room != nil {
		ctx.IsGroup = true
		ctx.Receiver = m.Room.ID
		ctx.SessionID = m.Room.ID
		ctx.ActualUserName = m.Talker.ID
		ctx.ActualNickName = m.Talker.Name
		ctx.IsMentioned = m.MentionSelf

		if ctx.Type == domain.ContextText {
			triggered := m.MentionSelf
			if rest, ok := matchPrefix(ctx.Content, c.cfg.GroupChatPrefix); ok {
				ctx.Content = rest
				triggered = true
			}
			if !triggered {
				c.drop(dropPrefix)
				return
			}
			c.mu.Lock()
			name := c.self.Name
			c.mu.Unlock()
			if m.MentionSelf && name != "" {
				ctx.Content = stripMentions(ctx.Content, name)
			}
		}
	}

	c.logger.Info("message received", "type", m.Type, "from", m.Talker.Name, "group", ctx.IsGroup)
	c.bus.Publish(ctx)
}

func (c *Wechaty) drop(reason string) {
	c.emit(bus.EventMessageDropped, map[string]any{"channel": wechatyChannelName, "reason": reason})
}

func (c *Wechaty) emit(eventType string, payload map[string]any) {
	if c.cfg.Events == nil {
		return
	}
	c.cfg.Events.Emit(bus.Event{Type: eventType, Source: wechatyChannelName, Payload: payload})
}

func (c *Wechaty) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}

// Send delivers to a contact; room ids start with "@@" or end with "@chatroom".
func (c *Wechaty) Send(ctx context.Context, receiver string, reply domain.Reply) error {
	room := strings.HasPrefix(receiver, "@@") || strings.HasSuffix(receiver, "@chatroom")
	return c.sendTo(ctx, receiver, room, reply)
}

func (c *Wechaty) sendTo(_ context.Context, receiver string, room bool, reply domain.Reply) error {
	frame, err := buildSay(receiver, room, reply, time.Now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal say frame: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errWechatyNotConnected
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("wechaty send: %w", err)
	}
	c.logger.Debug("reply sent", "receiver", receiver, "type", reply.Type)
	return nil
}

// buildSay maps a reply onto a say frame. Binary replies travel as base64
// file boxes named "<unix>.<ext>"; IMAGE_URL is passed through as a URL box.
func buildSay(receiver string, room bool, reply domain.Reply, now time.Time) (wechatySay, error) {
	say := wechatySay{Action: "say", To: receiver, Room: room}
	switch reply.Type {
	case domain.ReplyText, domain.ReplyError, domain.ReplyInfo:
		say.Text = reply.Content
	case domain.ReplyImageURL:
		say.File = &wechatyFile{Name: fmt.Sprintf("%d.png", now.Unix()), URL: reply.Content}
	case domain.ReplyVoice, domain.ReplyImage, domain.ReplyVideo, domain.ReplyFile:
		data := reply.Data
		ext := filepath.Ext(reply.Content)
		if data == nil {
			var err error
			if data, err = os.ReadFile(reply.Content); err != nil {
				return say, fmt.Errorf("read reply file: %w", err)
			}
		}
		if ext == "" {
			ext = mimetype.Detect(data).Extension()
		}
		say.File = &wechatyFile{
			Name:   fmt.Sprintf("%d%s", now.Unix(), ext),
			Base64: base64.StdEncoding.EncodeToString(data),
		}
	default:
		return say, fmt.Errorf("wechaty: unsupported reply type %s", reply.Type)
	}
	return say, nil
}

// urlPayload downloads an attachment the gateway exposes over HTTP.
type urlPayload struct {
	client *http.Client
	url    string
	name   string
}

func (p urlPayload) Download(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("download %s: status %d", p.name, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (p urlPayload) FileName() string { return p.name }

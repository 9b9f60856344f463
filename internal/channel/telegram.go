package channel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramChannelName    = "telegram"
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.Channel for a Telegram bot.
type Telegram struct {
	token       string
	apiEndpoint string
	allowFrom   []int64 // empty = allow all
	prefixes    []string
	events      *bus.EventBus

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
	sleep  func(time.Duration)
}

type TelegramConfig struct {
	Token           string
	APIEndpoint     string   // defaults to tgbotapi.APIEndpoint
	AllowFrom       []string // user ids as strings
	GroupChatPrefix []string
	Events          *bus.EventBus
	Logger          *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:       cfg.Token,
		apiEndpoint: cfg.APIEndpoint,
		allowFrom:   allowed,
		prefixes:    cfg.GroupChatPrefix,
		events:      cfg.Events,
		logger:      cfg.Logger.With("channel", telegramChannelName),
		sleep:       time.Sleep,
	}
}

func (t *Telegram) Name() string { return telegramChannelName }

func (t *Telegram) connect() error {
	if t.bot != nil {
		return nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(t.token, t.apiEndpoint)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	return nil
}

// Start connects to Telegram and polls for updates until ctx is done.
func (t *Telegram) Start(ctx context.Context, b domain.MessageBus) error {
	t.bus = b
	if err := t.connect(); err != nil {
		return err
	}
	b.OnOutbound(telegramChannelName, func(msg domain.OutboundMessage) error {
		return t.Send(ctx, msg.Receiver, msg.Reply)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			t.bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: StopReceivingUpdates runs when Start's context is
// cancelled and panics if called twice.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, receiver string, reply domain.Reply) error {
	if err := t.connect(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(receiver, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID %q: %w", receiver, err)
	}

	if reply.Type.IsText() {
		return t.sendMessage(chatID, reply.Content)
	}

	var c tgbotapi.Chattable
	file := requestFile(reply)
	switch reply.Type {
	case domain.ReplyVoice:
		c = tgbotapi.NewVoice(chatID, file)
	case domain.ReplyImage:
		c = tgbotapi.NewPhoto(chatID, file)
	case domain.ReplyImageURL:
		c = tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(reply.Content))
	case domain.ReplyVideo:
		c = tgbotapi.NewVideo(chatID, file)
	case domain.ReplyFile:
		c = tgbotapi.NewDocument(chatID, file)
	default:
		return fmt.Errorf("telegram: unsupported reply type %s", reply.Type)
	}
	if _, err := t.bot.Send(c); err != nil {
		return fmt.Errorf("telegram send %s: %w", reply.Type, err)
	}
	return nil
}

func requestFile(reply domain.Reply) tgbotapi.RequestFileData {
	if reply.Data != nil {
		name := reply.Content
		if name == "" {
			name = "reply"
		}
		return tgbotapi.FileBytes{Name: name, Bytes: reply.Data}
	}
	return tgbotapi.FilePath(reply.Content)
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return
	}
	t.emit(bus.EventMessageReceived, map[string]any{"channel": telegramChannelName, "kind": telegramKind(m)})

	if !t.isAllowed(m.From.ID) {
		t.logger.Warn("unauthorized telegram user", "user_id", m.From.ID, "username", m.From.UserName)
		t.drop("unauthorized")
		return
	}

	c, reason := t.toContext(m)
	if reason != "" {
		t.drop(reason)
		return
	}
	t.logger.Info("telegram message received", "user_id", m.From.ID, "chat_id", m.Chat.ID, "type", c.Type)

	_, _ = t.bot.Request(tgbotapi.NewChatAction(m.Chat.ID, tgbotapi.ChatTyping))
	t.bus.Publish(*c)
}

func (t *Telegram) toContext(m *tgbotapi.Message) (*domain.Context, string) {
	chatID := strconv.FormatInt(m.Chat.ID, 10)
	c := &domain.Context{
		Channel:        telegramChannelName,
		Receiver:       chatID,
		SessionID:      chatID,
		IsGroup:        m.Chat.IsGroup() || m.Chat.IsSuperGroup(),
		ActualUserName: strconv.FormatInt(m.From.ID, 10),
		ActualNickName: displayName(m.From),
		Msg:            m,
		Timestamp:      time.Unix(int64(m.Date), 0),
	}

	switch {
	case m.Voice != nil:
		c.Type = domain.ContextVoice
		c.Payload = t.filePayload(m.Voice.FileID, "voice.ogg")
	case len(m.Photo) > 0:
		c.Type = domain.ContextImage
		c.Content = m.Caption
		c.Payload = t.filePayload(m.Photo[len(m.Photo)-1].FileID, "photo.jpg")
	case m.Video != nil:
		c.Type = domain.ContextVideo
		c.Content = m.Caption
		c.Payload = t.filePayload(m.Video.FileID, m.Video.FileName)
	case m.Document != nil:
		c.Type = domain.ContextFile
		c.Content = m.Document.FileName
		c.Payload = t.filePayload(m.Document.FileID, m.Document.FileName)
	case strings.TrimSpace(m.Text) != "":
		c.Type = domain.ContextText
		c.Content = strings.TrimSpace(m.Text)
		if m.IsCommand() {
			// "/help" reaches plugins as "#help".
			c.Content = strings.TrimSpace("#" + m.Command() + " " + m.CommandArguments())
		}
	default:
		return nil, dropUnsupported
	}

	if !c.IsGroup || c.Type != domain.ContextText || m.IsCommand() {
		return c, ""
	}
	mention := "@" + t.bot.Self.UserName
	c.IsMentioned = strings.Contains(c.Content, mention) ||
		(m.ReplyToMessage != nil && m.ReplyToMessage.From != nil && m.ReplyToMessage.From.ID == t.bot.Self.ID)
	triggered := c.IsMentioned
	if rest, ok := matchPrefix(c.Content, t.prefixes); ok {
		c.Content = rest
		triggered = true
	}
	if !triggered {
		return nil, dropPrefix
	}
	c.Content = strings.TrimSpace(strings.ReplaceAll(c.Content, mention, ""))
	return c, ""
}

func telegramKind(m *tgbotapi.Message) string {
	switch {
	case m.Voice != nil:
		return "voice"
	case len(m.Photo) > 0:
		return "photo"
	case m.Video != nil:
		return "video"
	case m.Document != nil:
		return "document"
	default:
		return "text"
	}
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (t *Telegram) drop(reason string) {
	t.emit(bus.EventMessageDropped, map[string]any{"channel": telegramChannelName, "reason": reason})
}

func (t *Telegram) emit(eventType string, payload map[string]any) {
	if t.events == nil {
		return
	}
	t.events.Emit(bus.Event{Type: eventType, Source: telegramChannelName, Payload: payload})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage splits text at the Telegram message limit, preferring line breaks.
func (t *Telegram) sendMessage(chatID int64, text string) error {
	const maxLen = telegramMaxMsgLen
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := strings.LastIndex(chunk[:maxLen], "\n")
			if cutAt < maxLen/2 {
				cutAt = maxLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if err := t.sendChunk(chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk retries rate limits and transient errors with linear backoff.
func (t *Telegram) sendChunk(chatID int64, text string) error {
	var err error
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		if _, err = t.bot.Send(tgbotapi.NewMessage(chatID, text)); err == nil {
			return nil
		}
		if attempt == telegramMaxSendRetries {
			break
		}

		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(err.Error(), "Too Many Requests") || strings.Contains(err.Error(), "429") {
			backoff *= 3
		}
		t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff, "attempt", attempt+1)
		t.sleep(backoff)
	}
	t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
	return fmt.Errorf("telegram send: %w", err)
}

func (t *Telegram) filePayload(fileID, name string) domain.Payload {
	return telegramFile{bot: t.bot, fileID: fileID, name: name}
}

// telegramFile resolves the download URL on every call; Telegram file
// links expire after an hour.
type telegramFile struct {
	bot    *tgbotapi.BotAPI
	fileID string
	name   string
}

func (f telegramFile) Download(ctx context.Context) ([]byte, error) {
	link, err := f.bot.GetFileDirectURL(f.fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve telegram file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.bot.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download telegram file: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (f telegramFile) FileName() string { return f.name }

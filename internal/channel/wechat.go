package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/domain"
	"wxbot/internal/itchat"
)

const (
	wechatChannelName = "wechat"
	wechatMaxAge      = 60 * time.Second
	allGroups         = "ALL_GROUP"
)

// Drop reasons reported on the event bus.
const (
	dropDuplicate   = "duplicate"
	dropSelf        = "self"
	dropHistory     = "history"
	dropUnsupported = "unsupported"
	dropGroupPolicy = "group_policy"
	dropPrefix      = "prefix"
)

type WeChatConfig struct {
	Session            *itchat.Session
	Directory          *itchat.Directory
	Store              itchat.RosterStore // chatroom snapshots; optional
	LoginHost          string
	QRPath             string
	SessionFile        string
	HotReload          bool
	GroupChatPrefix    []string
	SingleChatPrefix   []string
	GroupNameWhiteList []string
	DedupWindow        time.Duration
	Events             *bus.EventBus
	OnQR               func(uuid, art string)
	Logger             *slog.Logger
	Now                func() time.Time
}

// WeChat is the web-protocol channel: QR login, long polling, decoding and
// reply delivery through the itchat layer.
type WeChat struct {
	cfg        WeChatConfig
	session    *itchat.Session
	directory  *itchat.Directory
	decoder    *itchat.Decoder
	dispatcher *itchat.Dispatcher
	seen       *msgCache
	resumed    bool // last Login reused a saved session
	bus        domain.MessageBus
	logger     *slog.Logger
	now        func() time.Time
}

func NewWeChat(cfg WeChatConfig) *WeChat {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("channel", wechatChannelName)
	if cfg.Session == nil {
		cfg.Session = itchat.NewSession(itchat.SessionConfig{Logger: logger})
	}
	if cfg.Directory == nil {
		cfg.Directory = itchat.NewDirectory(itchat.DirectoryConfig{Source: cfg.Session, Store: cfg.Store, Logger: logger})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &WeChat{
		cfg:        cfg,
		session:    cfg.Session,
		directory:  cfg.Directory,
		decoder:    itchat.NewDecoder(itchat.DecoderConfig{Session: cfg.Session, Directory: cfg.Directory, Logger: logger, Now: cfg.Now}),
		dispatcher: itchat.NewDispatcher(cfg.Session, logger),
		seen:       newMsgCache(cfg.DedupWindow),
		logger:     logger,
		now:        cfg.Now,
	}
}

func (w *WeChat) Name() string { return wechatChannelName }

// Dispatcher exposes the outbound side for CLI commands.
func (w *WeChat) Dispatcher() *itchat.Dispatcher { return w.dispatcher }

// Start logs in (or resumes a saved session) and polls until ctx is done
// or the server ends the session.
func (w *WeChat) Start(ctx context.Context, b domain.MessageBus) error {
	w.bus = b
	b.OnOutbound(wechatChannelName, func(msg domain.OutboundMessage) error {
		return w.Send(ctx, msg.Receiver, msg.Reply)
	})

	if err := w.Login(ctx); err != nil {
		return err
	}
	w.restoreSnapshots(ctx)

	poller := itchat.NewPoller(itchat.PollerConfig{Session: w.session, Directory: w.directory, Logger: w.logger})
	err := poller.Run(ctx, w.handleBatch)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Login resumes the saved session when hot reload is on and the server
// still accepts it, otherwise runs the QR flow.
func (w *WeChat) Login(ctx context.Context) error {
	if w.cfg.HotReload && w.cfg.SessionFile != "" {
		if w.resume(ctx) {
			w.resumed = true
			w.logger.Info("session resumed", "user", w.session.Self().NickName)
			w.emit(bus.EventLoginConfirmed, map[string]any{"resumed": true})
			return nil
		}
	}

	w.resumed = false
	login := itchat.NewLogin(itchat.LoginConfig{
		Session:   w.session,
		Directory: w.directory,
		Host:      w.cfg.LoginHost,
		QRPath:    w.cfg.QRPath,
		Logger:    w.logger,
		OnQR:      w.cfg.OnQR,
	})
	if err := login.Run(ctx); err != nil {
		return fmt.Errorf("wechat login: %w", err)
	}
	friends, mps, rooms := w.directory.Counts()
	w.logger.Info("logged in", "user", w.session.Self().NickName, "friends", friends, "mps", mps, "chatrooms", rooms)
	w.emit(bus.EventLoginConfirmed, map[string]any{"resumed": false})

	if w.cfg.HotReload && w.cfg.SessionFile != "" {
		if err := itchat.SaveSession(w.session, w.cfg.SessionFile); err != nil {
			w.logger.Warn("save session failed", "path", w.cfg.SessionFile, "err", err)
		}
	}
	return nil
}

// restoreSnapshots loads saved chatroom rosters. User names only live for
// one login, so snapshots are skipped after a fresh QR login.
func (w *WeChat) restoreSnapshots(ctx context.Context) {
	if !w.resumed {
		return
	}
	if n, err := w.directory.Restore(ctx); err != nil {
		w.logger.Warn("restore chatroom snapshots failed", "err", err)
	} else if n > 0 {
		w.logger.Info("chatroom snapshots restored", "count", n)
	}
}

func (w *WeChat) resume(ctx context.Context) bool {
	if err := itchat.LoadSession(w.session, w.cfg.SessionFile); err != nil {
		w.logger.Debug("no saved session", "err", err)
		return false
	}
	poller := itchat.NewPoller(itchat.PollerConfig{Session: w.session, Directory: w.directory, Logger: w.logger})
	retcode, _, err := poller.SyncCheck(ctx)
	if err != nil || retcode != "0" {
		w.logger.Info("saved session rejected, falling back to QR login", "retcode", retcode, "err", err)
		return false
	}
	return true
}

func (w *WeChat) Stop() error { return nil }

// Send delivers reply to a WeChat user name ("@..." or "@@..." or "filehelper").
func (w *WeChat) Send(ctx context.Context, receiver string, reply domain.Reply) error {
	rv := w.dispatcher.Deliver(ctx, reply, receiver)
	if !rv.Ok() {
		w.logger.Warn("send failed", "receiver", receiver, "type", reply.Type, "result", rv.String())
		return rv.Err()
	}
	w.logger.Debug("reply sent", "receiver", receiver, "type", reply.Type, "msg_id", rv.MsgID)
	return nil
}

func (w *WeChat) handleBatch(ctx context.Context, raws []itchat.RawMessage) {
	for _, msg := range w.decoder.Produce(ctx, raws) {
		w.handle(msg)
	}
}

func (w *WeChat) handle(msg *itchat.Message) {
	if w.seen.Seen(msg.Raw.MsgID.String()) {
		w.drop(msg, dropDuplicate)
		return
	}
	w.emit(bus.EventMessageReceived, map[string]any{"channel": wechatChannelName, "kind": string(msg.Kind())})

	c, reason := w.toContext(msg)
	if reason != "" {
		w.drop(msg, reason)
		return
	}
	w.logger.Info("message received",
		"kind", msg.Kind(),
		"from", msg.User.Name(),
		"group", msg.IsGroup,
		"mentioned", c.IsMentioned,
	)
	w.bus.Publish(*c)
}

func (w *WeChat) drop(msg *itchat.Message, reason string) {
	w.logger.Debug("message dropped", "reason", reason, "kind", msg.Kind(), "msg_id", msg.Raw.MsgID.String())
	w.emit(bus.EventMessageDropped, map[string]any{"channel": wechatChannelName, "reason": reason})
}

func (w *WeChat) emit(eventType string, payload map[string]any) {
	if w.cfg.Events == nil {
		return
	}
	w.cfg.Events.Emit(bus.Event{Type: eventType, Source: wechatChannelName, Payload: payload, Timestamp: w.now()})
}

// toContext applies the chat policy to msg. A non-empty reason means the
// message is not for the pipeline.
func (w *WeChat) toContext(msg *itchat.Message) (*domain.Context, string) {
	self := w.session.Self()
	if self.UserName != "" && msg.Raw.FromUserName == self.UserName {
		return nil, dropSelf
	}
	if msg.Raw.CreateTime > 0 && w.now().Sub(time.Unix(msg.Raw.CreateTime, 0)) > wechatMaxAge {
		return nil, dropHistory
	}

	c := &domain.Context{
		Channel:   wechatChannelName,
		Receiver:  msg.User.UserName,
		SessionID: msg.User.UserName,
		IsGroup:   msg.IsGroup,
		Msg:       msg,
		Timestamp: time.Unix(msg.Raw.CreateTime, 0),
	}
	if f := msg.Fetcher(); f != nil {
		c.Payload = fetcherPayload{fetcher: f, name: msg.FileName()}
	}

	switch content := msg.Content.(type) {
	case itchat.Text:
		c.Type = domain.ContextText
		c.Content = content.Text
	case itchat.Recording:
		c.Type = domain.ContextVoice
		c.Content = content.FileName
	case itchat.Picture:
		c.Type = domain.ContextImage
		c.Content = content.FileName
	case itchat.Video:
		c.Type = domain.ContextVideo
		c.Content = content.FileName
	case itchat.Attachment:
		c.Type = domain.ContextFile
		c.Content = content.FileName
	case itchat.Sharing:
		c.Type = domain.ContextSharing
		c.Content = content.Text
	case itchat.Note:
		c.Type = domain.ContextNote
		c.Content = content.Text
		if msg.IsGroup && strings.Contains(content.Text, "加入了群聊") {
			c.Type = domain.ContextJoinGroup
		}
	default:
		return nil, dropUnsupported
	}

	if msg.IsGroup {
		return w.applyGroupPolicy(msg, c)
	}
	return w.applySinglePolicy(c)
}

func (w *WeChat) applyGroupPolicy(msg *itchat.Message, c *domain.Context) (*domain.Context, string) {
	if !w.groupAllowed(msg.User.Name()) {
		return nil, dropGroupPolicy
	}
	if msg.Group != nil {
		c.ActualUserName = msg.Group.ActualUserName
		c.ActualNickName = msg.Group.ActualNickName
		c.IsMentioned = msg.Group.IsAt
	}
	if c.Type != domain.ContextText {
		return c, ""
	}

	triggered := c.IsMentioned
	if rest, ok := matchPrefix(c.Content, w.cfg.GroupChatPrefix); ok {
		c.Content = rest
		triggered = true
	}
	if !triggered {
		return nil, dropPrefix
	}
	if c.IsMentioned {
		c.Content = stripMentions(c.Content, w.selfNames(msg)...)
	}
	return c, ""
}

func (w *WeChat) applySinglePolicy(c *domain.Context) (*domain.Context, string) {
	if c.Type != domain.ContextText || len(w.cfg.SingleChatPrefix) == 0 {
		return c, ""
	}
	rest, ok := matchPrefix(c.Content, w.cfg.SingleChatPrefix)
	if !ok {
		return nil, dropPrefix
	}
	c.Content = rest
	return c, ""
}

func (w *WeChat) groupAllowed(name string) bool {
	if len(w.cfg.GroupNameWhiteList) == 0 {
		return true
	}
	for _, allowed := range w.cfg.GroupNameWhiteList {
		if allowed == allGroups || allowed == name {
			return true
		}
	}
	return false
}

func (w *WeChat) selfNames(msg *itchat.Message) []string {
	var names []string
	if msg.User.Self != nil && msg.User.Self.DisplayName != "" {
		names = append(names, msg.User.Self.DisplayName)
	}
	if nick := w.session.Self().NickName; nick != "" {
		names = append(names, nick)
	}
	return names
}

// matchPrefix returns content without the first matching prefix.
func matchPrefix(content string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(strings.TrimPrefix(content, p)), true
		}
	}
	return content, false
}

// stripMentions removes "@name" followed by a WeChat mention separator.
func stripMentions(content string, names ...string) string {
	for _, name := range names {
		re := regexp.MustCompile(`@` + regexp.QuoteMeta(name) + `(\x{2005}|\x{2003}| |$)`)
		content = re.ReplaceAllString(content, "")
	}
	return strings.TrimSpace(content)
}

// fetcherPayload adapts an itchat fetcher to domain.Payload.
type fetcherPayload struct {
	fetcher itchat.Fetcher
	name    string
}

func (p fetcherPayload) Download(ctx context.Context) ([]byte, error) {
	data, rv := p.fetcher.Fetch(ctx, "")
	if !rv.Ok() {
		return nil, rv.Err()
	}
	return data, nil
}

func (p fetcherPayload) FileName() string { return p.name }

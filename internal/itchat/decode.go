package itchat

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

const (
	fallbackMap      = "Map"
	fallbackSystem   = "System message"
	fallbackAppNote  = "You may found detailed info in Content key."
	uselessText      = "UselessMsg"
	fileNameTimeForm = "060102-150405"
)

var (
	mapDescriptorRe = regexp.MustCompile(`(.+?\(.+?\))`)
	appNoteRe       = regexp.MustCompile(`\[CDATA\[(.+?)\][\s\S]+?\[CDATA\[(.+?)\]`)
	systemCDATARe   = regexp.MustCompile(`\[CDATA\[(.+?)\]\]`)
)

// Codes for calls, VOIP and system notices that carry nothing useful.
var uselessTypes = map[int]bool{40: true, 50: true, 52: true, 53: true, 9999: true}

type DecoderConfig struct {
	Session   *Session
	Directory *Directory
	Logger    *slog.Logger
	Now       func() time.Time // file name clock; defaults to time.Now
}

// Decoder turns wire messages into typed Messages. It is safe for concurrent
// use; the only shared state is the Directory.
type Decoder struct {
	session   *Session
	directory *Directory
	logger    *slog.Logger
	now       func() time.Time
}

func NewDecoder(cfg DecoderConfig) *Decoder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Directory == nil {
		cfg.Directory = NewDirectory(DirectoryConfig{Source: cfg.Session, Logger: cfg.Logger})
	}
	return &Decoder{
		session:   cfg.Session,
		directory: cfg.Directory,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// Produce decodes a batch in order.
func (d *Decoder) Produce(ctx context.Context, raws []RawMessage) []*Message {
	out := make([]*Message, 0, len(raws))
	for _, raw := range raws {
		out = append(out, d.Decode(ctx, raw))
	}
	return out
}

// Decode builds the Message for one wire record. It never fails: patterns
// that do not match fall back to fixed strings and unknown type codes
// decode as Useless.
func (d *Decoder) Decode(ctx context.Context, raw RawMessage) *Message {
	self := d.session.Self()
	opposite := raw.FromUserName
	if raw.FromUserName == self.UserName {
		opposite = raw.ToUserName
	}

	msg := &Message{Raw: raw}
	var text string
	if strings.Contains(raw.FromUserName, "@@") || strings.Contains(raw.ToUserName, "@@") {
		g := d.ResolveGroupSender(ctx, raw)
		msg.IsGroup = true
		msg.Group = &g
		text = g.Content
	} else {
		text = formatContent(raw.Content)
	}

	msg.User = d.resolveUser(opposite)
	msg.Content = d.decodeContent(raw, text, &msg.User)
	return msg
}

func (d *Decoder) resolveUser(userName string) Contact {
	switch {
	case strings.Contains(userName, "@@"):
		if c, ok := d.directory.SearchChatroom(userName); ok {
			return c
		}
	case userName == "filehelper" || userName == "fmessage":
	default:
		if c, ok := d.directory.SearchMP(userName); ok {
			return c
		}
		if c, ok := d.directory.SearchFriend(userName); ok {
			return c
		}
	}
	return Contact{UserName: userName}
}

func (d *Decoder) fileName(ext string) string {
	return d.now().Format(fileNameTimeForm) + "." + ext
}

func (d *Decoder) decodeContent(raw RawMessage, text string, user *Contact) Content {
	switch raw.MsgType {
	case 1:
		if raw.URL != "" {
			return Map{Text: submatchOr(mapDescriptorRe, text, 1, fallbackMap)}
		}
		return Text{Text: text}
	case 3, 47:
		ext := "png"
		if raw.MsgType == 47 {
			ext = "gif"
		}
		return Picture{FileName: d.fileName(ext), Fetcher: newImageFetcher(d.session, raw.NewMsgID.String())}
	case 34:
		return Recording{FileName: d.fileName("mp3"), Fetcher: newVoiceFetcher(d.session, raw.NewMsgID.String())}
	case 37:
		f := Friends{
			Status:        raw.Status,
			UserName:      raw.RecommendInfo.UserName,
			VerifyContent: raw.Ticket,
			AutoUpdate:    raw.RecommendInfo,
		}
		user.UserName = raw.RecommendInfo.UserName
		user.Verify = &f
		return f
	case 42:
		return Card{Info: raw.RecommendInfo}
	case 43, 62:
		return Video{FileName: d.fileName("mp4"), Fetcher: newVideoFetcher(d.session, raw.MsgID.String())}
	case 49:
		return d.decodeApp(raw, text)
	case 51:
		d.directory.MarkChatrooms(strings.Split(raw.StatusNotifyUserName, ",")...)
		return Note{Text: raw.StatusNotifyUserName}
	case 10000:
		return Note{Text: text}
	case 10002:
		if v, ok := submatch(systemCDATARe, text, 1); ok {
			return Note{Text: strings.ReplaceAll(v, `\`, "")}
		}
		return Note{Text: fallbackSystem}
	}

	if !uselessTypes[raw.MsgType] {
		d.logger.Debug("useless message received", "type", raw.MsgType, "raw", raw)
	}
	return Useless{Text: uselessText}
}

func (d *Decoder) decodeApp(raw RawMessage, text string) Content {
	switch raw.AppMsgType {
	case 0:
		return Note{Text: text}
	case 6:
		return Attachment{FileName: raw.FileName, Fetcher: newAttachmentFetcher(d.session, raw)}
	case 8:
		return Picture{FileName: d.fileName("gif"), Fetcher: newImageFetcher(d.session, raw.NewMsgID.String())}
	case 17:
		return Note{Text: raw.FileName}
	case 2000:
		if v, ok := submatch(appNoteRe, text, 2); ok {
			return Note{Text: strings.SplitN(v, "。", 2)[0]}
		}
		return Note{Text: fallbackAppNote}
	default:
		return Sharing{Text: raw.FileName}
	}
}

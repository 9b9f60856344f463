package itchat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"wxbot/internal/domain"
)

// Message type codes used on the send side.
const (
	msgTypeText     = 1
	msgTypeImage    = 3
	msgTypeFile     = 6
	msgTypeVideo    = 43
	msgTypeEmoticon = 47
)

const maxImageURLSize = 20 << 20

type outMsg struct {
	Type         int    `json:"Type"`
	Content      string `json:"Content,omitempty"`
	MediaID      string `json:"MediaId,omitempty"`
	EmojiFlag    int    `json:"EmojiFlag,omitempty"`
	FromUserName string `json:"FromUserName"`
	ToUserName   string `json:"ToUserName"`
	LocalID      int64  `json:"LocalID"`
	ClientMsgID  int64  `json:"ClientMsgId"`
}

type sendRequest struct {
	BaseRequest baseRequest `json:"BaseRequest"`
	Msg         outMsg      `json:"Msg"`
	Scene       int         `json:"Scene"`
}

type revokeRequest struct {
	BaseRequest baseRequest `json:"BaseRequest"`
	ClientMsgID string      `json:"ClientMsgId"`
	SvrMsgID    string      `json:"SvrMsgId"`
	ToUserName  string      `json:"ToUserName"`
}

// Dispatcher sends messages and media through the web API. Each call runs
// under the session's per-call timeout and reports through a ReturnValue.
type Dispatcher struct {
	session *Session
	logger  *slog.Logger
}

func NewDispatcher(s *Session, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = s.Logger()
	}
	return &Dispatcher{session: s, logger: logger}
}

func (d *Dispatcher) newMsg(msgType int, toUserName string) outMsg {
	self := d.session.Self().UserName
	if toUserName == "" {
		toUserName = self
	}
	id := clientMsgID()
	return outMsg{
		Type:         msgType,
		FromUserName: self,
		ToUserName:   toUserName,
		LocalID:      id,
		ClientMsgID:  id,
	}
}

func (d *Dispatcher) endpoint(p string) string {
	return d.session.LoginInfo().URL + "/" + p
}

// SendRawMsg posts a message of any type to webwxsendmsg. An empty
// toUserName sends to the bot's own account.
func (d *Dispatcher) SendRawMsg(ctx context.Context, msgType int, content, toUserName string) ReturnValue {
	msg := d.newMsg(msgType, toUserName)
	msg.Content = content
	return d.session.postJSON(ctx, d.endpoint("webwxsendmsg"), sendRequest{
		BaseRequest: d.session.baseRequest(),
		Msg:         msg,
	})
}

func (d *Dispatcher) SendMsg(ctx context.Context, text, toUserName string) ReturnValue {
	d.logger.Debug("send text message", "to", toUserName, "length", len(text))
	return d.SendRawMsg(ctx, msgTypeText, text, toUserName)
}

// SendFile uploads the file unless mediaID is given, then posts an app
// message describing it.
func (d *Dispatcher) SendFile(ctx context.Context, m Media, toUserName, mediaID string) ReturnValue {
	if m.Path == "" {
		return retValue(RetParam, "fileDir param should be specific in send_file")
	}
	d.logger.Debug("send file", "to", toUserName, "path", m.Path, "media_id", mediaID)
	pf, rv := prepareFile(m)
	if !rv.Ok() {
		return rv
	}
	if mediaID == "" {
		up := d.upload(ctx, pf, MediaDoc, "")
		if !up.Ok() {
			return up
		}
		mediaID = up.MediaID
	}

	msg := d.newMsg(msgTypeFile, toUserName)
	msg.Content = appMsgXML(pf.name, len(pf.data), mediaID, strings.TrimPrefix(filepath.Ext(m.Path), "."))
	return d.session.postJSON(ctx, d.endpoint("webwxsendappmsg?fun=async&f=json"), sendRequest{
		BaseRequest: d.session.baseRequest(),
		Msg:         msg,
	})
}

func appMsgXML(title string, size int, mediaID, ext string) string {
	return fmt.Sprintf("<appmsg appid='wxeb7ec651dd0aefa9' sdkver=''><title>%s</title><des></des><action></action>"+
		"<type>6</type><content></content><url></url><lowurl></lowurl>"+
		"<appattach><totallen>%d</totallen><attachid>%s</attachid><fileext>%s</fileext></appattach>"+
		"<extinfo></extinfo></appmsg>", title, size, mediaID, ext)
}

// SendImage uploads and sends a picture. GIFs go out as emoticons.
// In-memory images without a path are named tmp.jpg.
func (d *Dispatcher) SendImage(ctx context.Context, m Media, toUserName, mediaID string) ReturnValue {
	if m.Path == "" && m.Data == nil {
		return retValue(RetParam, "Either fileDir or file_ should be specific")
	}
	if m.Path == "" {
		m.Path = "tmp.jpg"
	}
	d.logger.Debug("send image", "to", toUserName, "path", m.Path, "media_id", mediaID)
	gif := strings.HasSuffix(m.Path, ".gif")

	if mediaID == "" {
		kind := MediaPic
		if gif {
			kind = MediaDoc
		}
		up := d.UploadFile(ctx, m, kind, "")
		if !up.Ok() {
			return up
		}
		mediaID = up.MediaID
	}

	msg := d.newMsg(msgTypeImage, toUserName)
	msg.MediaID = mediaID
	endpoint := d.endpoint("webwxsendmsgimg?fun=async&f=json")
	if gif {
		endpoint = d.endpoint("webwxsendemoticon?fun=sys")
		msg.Type = msgTypeEmoticon
		msg.EmojiFlag = 2
	}
	return d.session.postJSON(ctx, endpoint, sendRequest{BaseRequest: d.session.baseRequest(), Msg: msg})
}

// SendVideo uploads and sends a video. In-memory videos are named tmp.mp4.
func (d *Dispatcher) SendVideo(ctx context.Context, m Media, toUserName, mediaID string) ReturnValue {
	if m.Path == "" && m.Data == nil {
		return retValue(RetParam, "Either fileDir or file_ should be specific")
	}
	if m.Path == "" {
		m.Path = "tmp.mp4"
	}
	d.logger.Debug("send video", "to", toUserName, "path", m.Path, "media_id", mediaID)
	if mediaID == "" {
		up := d.UploadFile(ctx, m, MediaVideo, "")
		if !up.Ok() {
			return up
		}
		mediaID = up.MediaID
	}

	msg := d.newMsg(msgTypeVideo, toUserName)
	msg.MediaID = mediaID
	endpoint := d.endpoint("webwxsendvideomsg?fun=async&f=json&pass_ticket=" + d.session.LoginInfo().PassTicket)
	return d.session.postJSON(ctx, endpoint, sendRequest{BaseRequest: d.session.baseRequest(), Msg: msg})
}

// Send routes by prefix: @fil@, @img@, @vid@ name a file to send, @msg@ or
// no prefix sends text.
func (d *Dispatcher) Send(ctx context.Context, msg, toUserName, mediaID string) ReturnValue {
	if msg == "" {
		return retValue(RetParam, "No message.")
	}
	prefix, rest := msg, ""
	if len(msg) >= 5 {
		prefix, rest = msg[:5], msg[5:]
	}
	switch prefix {
	case "@fil@":
		return d.SendFile(ctx, Media{Path: rest}, toUserName, mediaID)
	case "@img@":
		return d.SendImage(ctx, Media{Path: rest}, toUserName, mediaID)
	case "@vid@":
		return d.SendVideo(ctx, Media{Path: rest}, toUserName, mediaID)
	case "@msg@":
		return d.SendMsg(ctx, rest, toUserName)
	default:
		return d.SendMsg(ctx, msg, toUserName)
	}
}

// Revoke recalls a sent message. localID defaults to the current time in ms.
func (d *Dispatcher) Revoke(ctx context.Context, msgID, toUserName, localID string) ReturnValue {
	if localID == "" {
		localID = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	return d.session.postJSON(ctx, d.endpoint("webwxrevokemsg"), revokeRequest{
		BaseRequest: d.session.baseRequest(),
		ClientMsgID: localID,
		SvrMsgID:    msgID,
		ToUserName:  toUserName,
	})
}

// Deliver renders a uniform reply as the matching send sequence.
func (d *Dispatcher) Deliver(ctx context.Context, reply domain.Reply, toUserName string) ReturnValue {
	switch reply.Type {
	case domain.ReplyText, domain.ReplyError, domain.ReplyInfo:
		return d.SendMsg(ctx, reply.Content, toUserName)
	case domain.ReplyVoice, domain.ReplyFile:
		return d.SendFile(ctx, Media{Path: reply.Content, Data: reply.Data}, toUserName, "")
	case domain.ReplyImage:
		return d.SendImage(ctx, Media{Path: reply.Content, Data: reply.Data}, toUserName, "")
	case domain.ReplyImageURL:
		data, rv := d.download(ctx, reply.Content)
		if !rv.Ok() {
			return rv
		}
		return d.SendImage(ctx, Media{Data: data}, toUserName, "")
	case domain.ReplyVideo:
		return d.SendVideo(ctx, Media{Path: reply.Content, Data: reply.Data}, toUserName, "")
	default:
		return retValue(RetParam, "unsupported reply type "+reply.Type.String())
	}
}

// download fetches a reply image from an arbitrary URL.
func (d *Dispatcher) download(ctx context.Context, rawURL string) ([]byte, ReturnValue) {
	ctx, cancel := d.session.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, retValue(RetParam, "bad image url: "+err.Error())
	}
	resp, err := d.session.do(req)
	if err != nil {
		return nil, retValue(RetRequestFailed, err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, retValue(RetUnexpectedResponse, fmt.Sprintf("download %s: HTTP %d", path.Base(req.URL.Path), resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageURLSize))
	if err != nil {
		return nil, retValue(RetRequestFailed, "read image: "+err.Error())
	}
	return data, retValue(RetOK, "")
}

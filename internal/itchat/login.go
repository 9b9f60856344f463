package itchat

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/tidwall/gjson"
)

const (
	DefaultLoginHost = "https://login.weixin.qq.com"
	webAppID         = "wx782c26e4c19acffb"
)

var (
	qrUUIDRe      = regexp.MustCompile(`window.QRLogin.code = (\d+); window.QRLogin.uuid = "(\S+?)";`)
	loginCodeRe   = regexp.MustCompile(`window.code=(\d+)`)
	redirectURIRe = regexp.MustCompile(`window.redirect_uri="(\S+)";`)

	ErrQRExpired = errors.New("itchat: QR code expired")
)

// hostTable maps the login host to its file and push hosts. Most specific first.
var hostTable = []struct {
	suffix, file, push string
}{
	{"wx2.qq.com", "file.wx2.qq.com", "webpush.wx2.qq.com"},
	{"wx8.qq.com", "file.wx8.qq.com", "webpush.wx8.qq.com"},
	{"qq.com", "file.wx.qq.com", "webpush.wx.qq.com"},
	{"web2.wechat.com", "file.web2.wechat.com", "webpush.web2.wechat.com"},
	{"wechat.com", "file.web.wechat.com", "webpush.web.wechat.com"},
}

type LoginConfig struct {
	Session   *Session
	Directory *Directory
	Host      string // defaults to DefaultLoginHost
	QRPath    string // optional PNG output
	Logger    *slog.Logger
	// OnQR is called with the terminal rendering of every new QR code.
	OnQR func(uuid, art string)
	// OnScanned is called once the phone has scanned the code.
	OnScanned func()
	Interval  time.Duration // status poll interval; default 1s
}

// Login runs the QR code login flow.
type Login struct {
	cfg LoginConfig
}

func NewLogin(cfg LoginConfig) *Login {
	if cfg.Host == "" {
		cfg.Host = DefaultLoginHost
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Login{cfg: cfg}
}

// Run blocks until the phone confirms the login, then initializes the
// session. Expired QR codes are replaced up to three times.
func (l *Login) Run(ctx context.Context) error {
	for attempt := 0; attempt < 3; attempt++ {
		uuid, err := l.QRUUID(ctx)
		if err != nil {
			return err
		}
		if err := l.showQR(uuid); err != nil {
			return err
		}

		redirect, err := l.waitConfirm(ctx, uuid)
		if errors.Is(err, ErrQRExpired) {
			l.cfg.Logger.Info("QR code expired, requesting a new one")
			continue
		}
		if err != nil {
			return err
		}
		if err := l.processLoginInfo(ctx, redirect); err != nil {
			return err
		}
		return l.WebInit(ctx)
	}
	return ErrQRExpired
}

// QRUUID requests a login uuid from jslogin.
func (l *Login) QRUUID(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("appid", webAppID)
	q.Set("fun", "new")
	q.Set("redirect_uri", "https://wx.qq.com/cgi-bin/mmwebwx-bin/webwxnewloginpage?mod=desktop")
	q.Set("lang", "zh_CN")
	q.Set("_", strconv.FormatInt(time.Now().UnixMilli(), 10))

	body, err := l.get(ctx, l.cfg.Host+"/jslogin?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("jslogin: %w", err)
	}
	m := qrUUIDRe.FindStringSubmatch(body)
	if m == nil || m[1] != "200" {
		return "", fmt.Errorf("jslogin: unexpected response %.200q", body)
	}
	return m[2], nil
}

func (l *Login) showQR(uuid string) error {
	content := l.cfg.Host + "/l/" + uuid
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return fmt.Errorf("render QR code: %w", err)
	}
	if l.cfg.QRPath != "" {
		if err := qr.WriteFile(256, l.cfg.QRPath); err != nil {
			return fmt.Errorf("write QR code: %w", err)
		}
	}
	if l.cfg.OnQR != nil {
		l.cfg.OnQR(uuid, qr.ToSmallString(false))
	}
	return nil
}

// waitConfirm polls the login status: 201 scanned, 200 confirmed, 408 keep
// waiting, anything else expired.
func (l *Login) waitConfirm(ctx context.Context, uuid string) (string, error) {
	scanned := false
	for {
		now := time.Now().Unix()
		q := url.Values{}
		q.Set("loginicon", "true")
		q.Set("uuid", uuid)
		q.Set("tip", "1")
		q.Set("r", strconv.FormatInt(^now, 10))
		q.Set("_", strconv.FormatInt(now, 10))

		body, err := l.get(ctx, l.cfg.Host+"/cgi-bin/mmwebwx-bin/login?"+q.Encode(), nil)
		if err != nil {
			return "", fmt.Errorf("check login: %w", err)
		}
		code, _ := submatch(loginCodeRe, body, 1)
		switch code {
		case "200":
			redirect, ok := submatch(redirectURIRe, body, 1)
			if !ok {
				return "", fmt.Errorf("check login: missing redirect uri")
			}
			return redirect, nil
		case "201":
			if !scanned {
				scanned = true
				l.cfg.Logger.Info("QR code scanned, confirm on the phone")
				if l.cfg.OnScanned != nil {
					l.cfg.OnScanned()
				}
			}
		case "408":
		default:
			return "", ErrQRExpired
		}
		if !sleepCtx(ctx, l.cfg.Interval) {
			return "", ctx.Err()
		}
	}
}

type loginResult struct {
	XMLName    xml.Name `xml:"error"`
	Ret        int      `xml:"ret"`
	Message    string   `xml:"message"`
	Skey       string   `xml:"skey"`
	Wxsid      string   `xml:"wxsid"`
	Wxuin      string   `xml:"wxuin"`
	PassTicket string   `xml:"pass_ticket"`
}

func (l *Login) processLoginInfo(ctx context.Context, redirect string) error {
	body, err := l.get(ctx, redirect+"&fun=new&version=v2&mod=desktop", http.Header{"client-version": {"2.0.0"}})
	if err != nil {
		return fmt.Errorf("fetch login info: %w", err)
	}
	var res loginResult
	if err := xml.Unmarshal([]byte(body), &res); err != nil {
		return fmt.Errorf("parse login info: %w", err)
	}
	if res.Ret != 0 || res.Skey == "" {
		return fmt.Errorf("login rejected: ret=%d %s", res.Ret, res.Message)
	}

	base := redirect[:strings.LastIndex(redirect, "/")]
	info := LoginInfo{
		URL:        base,
		FileURL:    base,
		SyncURL:    base,
		Skey:       res.Skey,
		Wxsid:      res.Wxsid,
		Wxuin:      res.Wxuin,
		PassTicket: res.PassTicket,
		DeviceID:   deviceID(),
	}
	if u, err := url.Parse(base); err == nil {
		for _, h := range hostTable {
			if u.Host == h.suffix || strings.HasSuffix(u.Host, "."+h.suffix) {
				info.FileURL = "https://" + h.file + "/cgi-bin/mmwebwx-bin"
				info.SyncURL = "https://" + h.push + "/cgi-bin/mmwebwx-bin"
				break
			}
		}
	}
	l.cfg.Session.SetLoginInfo(info)
	return nil
}

// WebInit loads the account profile and the first sync key.
func (l *Login) WebInit(ctx context.Context) error {
	s := l.cfg.Session
	info := s.LoginInfo()
	q := url.Values{}
	q.Set("r", strconv.FormatInt(^time.Now().Unix(), 10))
	q.Set("pass_ticket", info.PassTicket)

	rv := s.postJSON(ctx, info.URL+"/webwxinit?"+q.Encode(), struct {
		BaseRequest baseRequest `json:"BaseRequest"`
	}{s.baseRequest()})
	if !rv.Ok() {
		return fmt.Errorf("webwxinit: %w", rv.Err())
	}

	res := gjson.ParseBytes(rv.Raw)
	s.SetSelf(Member{
		UserName: res.Get("User.UserName").String(),
		NickName: res.Get("User.NickName").String(),
	})
	var key SyncKey
	for _, item := range res.Get("SyncKey.List").Array() {
		key.List = append(key.List, SyncKeyItem{Key: int(item.Get("Key").Int()), Val: item.Get("Val").Int()})
	}
	key.Count = len(key.List)
	s.updateLoginInfo(func(li *LoginInfo) {
		li.SyncKey = key
		li.SyncCheckKey = key
	})

	if l.cfg.Directory != nil {
		for _, c := range res.Get("ContactList").Array() {
			l.cfg.Directory.Put(parseContact(c), isMPContact(c))
		}
	}
	l.cfg.Logger.Info("logged in", "user", s.Self().NickName)
	return nil
}

func (l *Login) get(ctx context.Context, rawURL string, header http.Header) (string, error) {
	s := l.cfg.Session
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := s.do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// deviceID is "e" followed by 15 random digits.
func deviceID() string {
	var b strings.Builder
	b.WriteByte('e')
	for i := 0; i < 15; i++ {
		b.WriteByte(byte('0' + rand.IntN(10)))
	}
	return b.String()
}

// Package itchat speaks the WeChat web protocol: login, sync polling, message
// decoding, lazy media downloads and outbound sends.
package itchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36"
	DefaultTimeout   = 60 * time.Second
)

// SyncKey is the cursor webwxsync hands back after every poll.
type SyncKey struct {
	Count int           `json:"Count" yaml:"count"`
	List  []SyncKeyItem `json:"List" yaml:"list"`
}

type SyncKeyItem struct {
	Key int   `json:"Key" yaml:"key"`
	Val int64 `json:"Val" yaml:"val"`
}

// String renders the key as synccheck expects it: "k_v|k_v".
func (k SyncKey) String() string {
	parts := make([]string, 0, len(k.List))
	for _, item := range k.List {
		parts = append(parts, strconv.Itoa(item.Key)+"_"+strconv.FormatInt(item.Val, 10))
	}
	return strings.Join(parts, "|")
}

// LoginInfo is the authenticated state of a web session.
type LoginInfo struct {
	URL          string  `yaml:"url"`
	FileURL      string  `yaml:"fileUrl"`
	SyncURL      string  `yaml:"syncUrl"`
	Skey         string  `yaml:"skey"`
	Wxsid        string  `yaml:"wxsid"`
	Wxuin        string  `yaml:"wxuin"`
	PassTicket   string  `yaml:"passTicket"`
	DeviceID     string  `yaml:"deviceId"`
	SyncKey      SyncKey `yaml:"syncKey"`
	SyncCheckKey SyncKey `yaml:"syncCheckKey"`
}

type baseRequest struct {
	Uin      string `json:"Uin"`
	Sid      string `json:"Sid"`
	Skey     string `json:"Skey"`
	DeviceID string `json:"DeviceID"`
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Client    *http.Client // optional; a cookie jar is attached if missing
	UserAgent string
	Timeout   time.Duration // per call
	Logger    *slog.Logger
}

// Session holds login state, cookies and the HTTP client shared by the
// decoder, fetchers and dispatcher. It is passed explicitly, never global.
type Session struct {
	mu   sync.RWMutex
	info LoginInfo
	self Member

	client    *http.Client
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewSession(cfg SessionConfig) *Session {
	var client http.Client
	if cfg.Client != nil {
		client = *cfg.Client
	}
	if client.Jar == nil {
		jar, _ := cookiejar.New(nil)
		client.Jar = jar
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		client:    &client,
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
	}
}

func (s *Session) LoginInfo() LoginInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.info
}

func (s *Session) SetLoginInfo(info LoginInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

func (s *Session) updateLoginInfo(fn func(*LoginInfo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.info)
}

// Self is the logged-in account.
func (s *Session) Self() Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self
}

func (s *Session) SetSelf(m Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = m
}

// LoggedIn reports whether the session has credentials to talk to the API.
func (s *Session) LoggedIn() bool {
	info := s.LoginInfo()
	return info.URL != "" && info.Skey != ""
}

func (s *Session) Logger() *slog.Logger { return s.logger }

func (s *Session) baseRequest() baseRequest {
	info := s.LoginInfo()
	return baseRequest{
		Uin:      info.Wxuin,
		Sid:      info.Wxsid,
		Skey:     info.Skey,
		DeviceID: info.DeviceID,
	}
}

// Cookie returns a cookie value set for the login or file host.
func (s *Session) Cookie(name string) string {
	info := s.LoginInfo()
	for _, raw := range []string{info.URL, info.FileURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		for _, c := range s.client.Jar.Cookies(u) {
			if c.Name == name {
				return c.Value
			}
		}
	}
	return ""
}

// Cookies lists the cookies the jar would send to the login host.
func (s *Session) Cookies() []*http.Cookie {
	u, err := url.Parse(s.LoginInfo().URL)
	if err != nil || u.Host == "" {
		return nil
	}
	return s.client.Jar.Cookies(u)
}

// SetCookies stores cookies for rawURL, used when restoring a saved session.
func (s *Session) SetCookies(rawURL string, cookies []*http.Cookie) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse cookie url: %w", err)
	}
	s.client.Jar.SetCookies(u, cookies)
	return nil
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Session) do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", s.userAgent)
	return s.client.Do(req)
}

// postJSON sends payload to endpoint and wraps the answer in a ReturnValue.
func (s *Session) postJSON(ctx context.Context, endpoint string, payload any) ReturnValue {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return retValue(RetParam, "encode request: "+err.Error())
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return retValue(RetParam, "build request: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json;charset=UTF-8")
	return responseValue(s.do(req))
}

// clientMsgID is a timestamp in 1e-4 s units, used for LocalID and ClientMsgId.
func clientMsgID() int64 {
	return time.Now().UnixNano() / 1e5
}

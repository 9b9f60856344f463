package itchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// ErrLoggedOut is returned by Poller.Run when the server ends the session.
var ErrLoggedOut = errors.New("itchat: logged out")

var syncCheckRe = regexp.MustCompile(`window.synccheck=\{retcode:"(\d+)",selector:"(\d+)"\}`)

const maxPollFailures = 5

type PollerConfig struct {
	Session   *Session
	Directory *Directory
	Logger    *slog.Logger
	Backoff   time.Duration // wait after a failed check; default 2s
}

// Poller long-polls synccheck and pulls new messages with webwxsync.
type Poller struct {
	session   *Session
	directory *Directory
	logger    *slog.Logger
	backoff   time.Duration
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	return &Poller{
		session:   cfg.Session,
		directory: cfg.Directory,
		logger:    cfg.Logger,
		backoff:   cfg.Backoff,
	}
}

// SyncResult is the payload of one webwxsync call.
type SyncResult struct {
	Messages []RawMessage
	Contacts int // contacts updated in the directory
}

// Run polls until ctx is done or the session ends. handler is called for
// every non-empty batch, in order.
func (p *Poller) Run(ctx context.Context, handler func(ctx context.Context, msgs []RawMessage)) error {
	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		retcode, selector, err := p.SyncCheck(ctx)
		if err != nil {
			failures++
			p.logger.Warn("synccheck failed", "error", err, "failures", failures)
			if failures >= maxPollFailures {
				return fmt.Errorf("synccheck failed %d times: %w", failures, err)
			}
			if !sleepCtx(ctx, p.backoff*time.Duration(failures)) {
				return ctx.Err()
			}
			continue
		}

		if retcode != "0" {
			p.logger.Info("server ended the session", "retcode", retcode)
			return ErrLoggedOut
		}
		if selector == "0" {
			failures = 0
			continue
		}

		res, err := p.Sync(ctx)
		if err != nil {
			failures++
			p.logger.Warn("webwxsync failed", "error", err, "failures", failures)
			if failures >= maxPollFailures {
				return fmt.Errorf("webwxsync failed %d times: %w", failures, err)
			}
			if !sleepCtx(ctx, p.backoff*time.Duration(failures)) {
				return ctx.Err()
			}
			continue
		}
		failures = 0
		if len(res.Messages) > 0 {
			handler(ctx, res.Messages)
		}
	}
}

// SyncCheck asks whether there is anything new. retcode "0" means the session
// is alive; selector "0" means nothing to sync.
func (p *Poller) SyncCheck(ctx context.Context) (retcode, selector string, err error) {
	info := p.session.LoginInfo()
	base := info.SyncURL
	if base == "" {
		base = info.URL
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	q := url.Values{}
	q.Set("r", now)
	q.Set("skey", info.Skey)
	q.Set("sid", info.Wxsid)
	q.Set("uin", info.Wxuin)
	q.Set("deviceid", info.DeviceID)
	q.Set("synckey", info.SyncCheckKey.String())
	q.Set("_", now)

	ctx, cancel := p.session.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/synccheck?"+q.Encode(), nil)
	if err != nil {
		return "", "", fmt.Errorf("build synccheck request: %w", err)
	}
	resp, err := p.session.do(req)
	if err != nil {
		return "", "", fmt.Errorf("synccheck: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("read synccheck: %w", err)
	}
	m := syncCheckRe.FindStringSubmatch(string(body))
	if m == nil {
		return "", "", fmt.Errorf("unexpected synccheck response: %.200s", body)
	}
	return m[1], m[2], nil
}

type syncRequest struct {
	BaseRequest baseRequest `json:"BaseRequest"`
	SyncKey     SyncKey     `json:"SyncKey"`
	RR          int64       `json:"rr"`
}

// Sync pulls new messages and contact changes and advances the sync keys.
func (p *Poller) Sync(ctx context.Context) (SyncResult, error) {
	info := p.session.LoginInfo()
	q := url.Values{}
	q.Set("sid", info.Wxsid)
	q.Set("skey", info.Skey)
	q.Set("pass_ticket", info.PassTicket)

	rv := p.session.postJSON(ctx, info.URL+"/webwxsync?"+q.Encode(), syncRequest{
		BaseRequest: p.session.baseRequest(),
		SyncKey:     info.SyncKey,
		RR:          ^time.Now().Unix(),
	})
	if !rv.Ok() {
		return SyncResult{}, fmt.Errorf("webwxsync: %w", rv.Err())
	}

	res := gjson.ParseBytes(rv.Raw)
	var syncKey, checkKey SyncKey
	if err := json.Unmarshal([]byte(res.Get("SyncKey").Raw), &syncKey); err != nil {
		return SyncResult{}, fmt.Errorf("parse SyncKey: %w", err)
	}
	if v := res.Get("SyncCheckKey"); v.Exists() {
		if err := json.Unmarshal([]byte(v.Raw), &checkKey); err != nil {
			return SyncResult{}, fmt.Errorf("parse SyncCheckKey: %w", err)
		}
	} else {
		checkKey = syncKey
	}
	p.session.updateLoginInfo(func(li *LoginInfo) {
		li.SyncKey = syncKey
		li.SyncCheckKey = checkKey
	})

	var out SyncResult
	if list := res.Get("AddMsgList"); list.IsArray() {
		msgs, err := ParseRawMessages([]byte(list.Raw))
		if err != nil {
			return SyncResult{}, err
		}
		out.Messages = msgs
	}
	if p.directory != nil {
		for _, c := range res.Get("ModContactList").Array() {
			p.directory.Put(parseContact(c), isMPContact(c))
			out.Contacts++
		}
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

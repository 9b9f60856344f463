package provider

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	DefaultTranslateURL = "http://api.fanyi.baidu.com/api/trans/vip/translate"

	translateAttempts = 3
	translateOK       = "52000"
)

// ErrTranslateNotConfigured is returned when the app id or key is missing.
var ErrTranslateNotConfigured = errors.New("baidu translate appid or appkey not set")

type TranslatorConfig struct {
	AppID  string
	AppKey string
	URL    string
	Client *http.Client
	Logger *slog.Logger
}

// BaiduTranslator calls the Baidu general translation API.
type BaiduTranslator struct {
	appID  string
	appKey string
	url    string
	client *http.Client
	logger *slog.Logger

	salt func() int
}

func NewBaiduTranslator(cfg TranslatorConfig) (*BaiduTranslator, error) {
	if cfg.AppID == "" || cfg.AppKey == "" {
		return nil, ErrTranslateNotConfigured
	}
	if cfg.URL == "" {
		cfg.URL = DefaultTranslateURL
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BaiduTranslator{
		appID:  cfg.AppID,
		appKey: cfg.AppKey,
		url:    cfg.URL,
		client: cfg.Client,
		logger: cfg.Logger,
		salt:   func() int { return 32768 + rand.IntN(32769) },
	}, nil
}

// Translate translates text. An empty from means auto-detect; an empty to
// means English. Baidu's 52001 (timeout) and 52002 (system error) are
// retried up to three attempts in total.
func (t *BaiduTranslator) Translate(ctx context.Context, text, from, to string) (string, error) {
	if from == "" {
		from = "auto"
	}
	if to == "" {
		to = "en"
	}
	salt := strconv.Itoa(t.salt())
	params := url.Values{
		"appid": {t.appID},
		"q":     {text},
		"from":  {from},
		"to":    {to},
		"salt":  {salt},
		"sign":  {sign(t.appID + text + salt + t.appKey)},
	}

	var lastCode string
	for attempt := 1; attempt <= translateAttempts; attempt++ {
		result, err := t.post(ctx, params)
		if err != nil {
			return "", err
		}
		code := result.Get("error_code").String()
		if code == "" {
			code = translateOK
		}
		switch code {
		case translateOK:
			var lines []string
			for _, item := range result.Get("trans_result").Array() {
				lines = append(lines, item.Get("dst").String())
			}
			return strings.Join(lines, "\n"), nil
		case "52001", "52002":
			lastCode = code
			t.logger.Warn("baidu translate transient error", "code", code, "attempt", attempt)
		default:
			return "", fmt.Errorf("baidu translate: %s (code %s)", result.Get("error_msg").String(), code)
		}
	}
	return "", fmt.Errorf("baidu translate: giving up after %d attempts (code %s)", translateAttempts, lastCode)
}

func (t *BaiduTranslator) post(ctx context.Context, params url.Values) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url+"?"+params.Encode(), nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("baidu translate request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("baidu translate: invalid response (status %d): %s", resp.StatusCode, truncate(string(body), 200))
	}
	return gjson.ParseBytes(body), nil
}

func sign(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

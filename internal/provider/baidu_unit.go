package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	DefaultUNITTokenURL = "https://aip.baidubce.com/oauth/2.0/token"
	DefaultUNITChatURL  = "https://aip.baidubce.com/rpc/2.0/unit/service/chat"

	responseList = "result.response_list"
)

type UNITConfig struct {
	ServiceID string
	APIKey    string
	SecretKey string
	UserID    string
	TokenURL  string
	ChatURL   string
	Client    *http.Client
	Logger    *slog.Logger
}

// BaiduUNIT is a client for the Baidu UNIT dialogue service (chat API v2).
type BaiduUNIT struct {
	serviceID string
	apiKey    string
	secretKey string
	userID    string
	tokenURL  string
	chatURL   string
	client    *http.Client
	logger    *slog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewBaiduUNIT(cfg UNITConfig) *BaiduUNIT {
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultUNITTokenURL
	}
	if cfg.ChatURL == "" {
		cfg.ChatURL = DefaultUNITChatURL
	}
	if cfg.UserID == "" {
		cfg.UserID = "wxbot"
	}
	if len(cfg.UserID) > 32 {
		cfg.UserID = cfg.UserID[:32]
	}
	if cfg.Client == nil {
		cfg.Client = SharedHTTPClient(30 * time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BaiduUNIT{
		serviceID: cfg.ServiceID,
		apiKey:    cfg.APIKey,
		secretKey: cfg.SecretKey,
		userID:    cfg.UserID,
		tokenURL:  cfg.TokenURL,
		chatURL:   cfg.ChatURL,
		client:    cfg.Client,
		logger:    cfg.Logger,
	}
}

// AccessToken returns a cached client-credentials token, fetching a new one
// when it is missing or about to expire.
func (u *BaiduUNIT) AccessToken(ctx context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.token != "" && time.Now().Before(u.tokenExp) {
		return u.token, nil
	}

	params := url.Values{
		"client_id":     {u.apiKey},
		"client_secret": {u.secretKey},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.tokenURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := u.do(req)
	if err != nil {
		return "", fmt.Errorf("unit token: %w", err)
	}
	res := gjson.ParseBytes(body)
	token := res.Get("access_token").String()
	if token == "" {
		return "", fmt.Errorf("unit token: %s", res.Get("error_description").String())
	}
	ttl := time.Duration(res.Get("expires_in").Int()) * time.Second
	if ttl <= time.Minute {
		ttl = time.Hour
	}
	u.token = token
	u.tokenExp = time.Now().Add(ttl - time.Minute)
	return token, nil
}

type unitRequest struct {
	LogID     string      `json:"log_id"`
	Version   string      `json:"version"`
	ServiceID string      `json:"service_id"`
	SessionID string      `json:"session_id"`
	Request   unitQueryIn `json:"request"`
}

type unitQueryIn struct {
	Query  string `json:"query"`
	UserID string `json:"user_id"`
}

// Query sends text to the UNIT service and returns the parsed response.
// A response that is not valid JSON yields an empty result, not an error.
func (u *BaiduUNIT) Query(ctx context.Context, text string) (UNITResult, error) {
	token, err := u.AccessToken(ctx)
	if err != nil {
		return UNITResult{}, err
	}
	payload, err := json.Marshal(unitRequest{
		LogID:     uuid.NewString(),
		Version:   "2.0",
		ServiceID: u.serviceID,
		SessionID: uuid.NewString(),
		Request:   unitQueryIn{Query: text, UserID: u.userID},
	})
	if err != nil {
		return UNITResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.chatURL+"?access_token="+url.QueryEscape(token), bytes.NewReader(payload))
	if err != nil {
		return UNITResult{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := u.do(req)
	if err != nil {
		return UNITResult{}, fmt.Errorf("unit chat: %w", err)
	}
	if !gjson.ValidBytes(body) {
		u.logger.Warn("unit returned invalid JSON", "body", truncate(string(body), 200))
		return UNITResult{}, nil
	}
	res := UNITResult{raw: gjson.ParseBytes(body)}
	if code := res.raw.Get("error_code").Int(); code != 0 {
		return res, fmt.Errorf("unit chat: %s (code %d)", res.raw.Get("error_msg").String(), code)
	}
	return res, nil
}

// MatchIntent queries UNIT and returns the top intent and its reply text.
// Both are empty when nothing matched.
func (u *BaiduUNIT) MatchIntent(ctx context.Context, text string) (intent, say string, err error) {
	res, err := u.Query(ctx, text)
	if err != nil {
		return "", "", err
	}
	intent = res.Intent()
	if intent == "" {
		return "", "", nil
	}
	u.logger.Debug("unit intent matched", "intent", intent)
	return intent, res.Say(""), nil
}

func (u *BaiduUNIT) do(req *http.Request) ([]byte, error) {
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

// UNITResult wraps a UNIT chat response.
type UNITResult struct {
	raw gjson.Result
}

// ParseUNITResult wraps raw response JSON.
func ParseUNITResult(data []byte) UNITResult {
	if !gjson.ValidBytes(data) {
		return UNITResult{}
	}
	return UNITResult{raw: gjson.ParseBytes(data)}
}

// Slot is one filled slot of an intent schema.
type Slot struct {
	Name           string
	OriginalWord   string
	NormalizedWord string
}

func (r UNITResult) responses() []gjson.Result {
	return r.raw.Get(responseList).Array()
}

func (r UNITResult) Intent() string {
	return r.raw.Get(responseList + ".0.schema.intent").String()
}

func (r UNITResult) HasIntent(intent string) bool {
	for _, resp := range r.responses() {
		if resp.Get("schema.intent").String() == intent {
			return true
		}
	}
	return false
}

// Say returns the reply of the first response, or of the first response
// carrying intent when intent is non-empty.
func (r UNITResult) Say(intent string) string {
	if intent == "" {
		return r.raw.Get(responseList + ".0.action_list.0.say").String()
	}
	for _, resp := range r.responses() {
		if resp.Get("schema.intent").String() == intent {
			return resp.Get("action_list.0.say").String()
		}
	}
	return ""
}

func (r UNITResult) Slots(intent string) []Slot {
	var schema gjson.Result
	if intent == "" {
		schema = r.raw.Get(responseList + ".0.schema")
	} else {
		for _, resp := range r.responses() {
			if resp.Get("schema.intent").String() == intent && resp.Get("schema.slots").Exists() {
				schema = resp.Get("schema")
				break
			}
		}
	}
	var slots []Slot
	for _, s := range schema.Get("slots").Array() {
		slots = append(slots, Slot{
			Name:           s.Get("name").String(),
			OriginalWord:   s.Get("original_word").String(),
			NormalizedWord: s.Get("normalized_word").String(),
		})
	}
	return slots
}

// SlotWords returns the normalized words of the named slot.
func (r UNITResult) SlotWords(intent, name string) []string {
	var words []string
	for _, s := range r.Slots(intent) {
		if s.Name == name {
			words = append(words, s.NormalizedWord)
		}
	}
	return words
}

// SayByConfidence returns the reply of the response with the highest
// intent_confidence.
func (r UNITResult) SayByConfidence() string {
	var (
		best  gjson.Result
		found bool
	)
	for _, resp := range r.responses() {
		conf := resp.Get("schema.intent_confidence")
		if !conf.Exists() {
			continue
		}
		if !found || conf.Float() > best.Get("schema.intent_confidence").Float() {
			best, found = resp, true
		}
	}
	if !found {
		return ""
	}
	return best.Get("action_list.0.say").String()
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
)

// Config is the root configuration for wxbot.
type Config struct {
	General  GeneralConfig  `json:"general"`
	WeChat   WeChatConfig   `json:"wechat"`
	Wechaty  WechatyConfig  `json:"wechaty"`
	Telegram TelegramConfig `json:"telegram"`
	Console  ConsoleConfig  `json:"console"`
	Plugins  PluginsConfig  `json:"plugins"`
	Store    StoreConfig    `json:"store"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	Workspace             string `json:"workspace" env:"WXBOT_WORKSPACE"`
	LogLevel              string `json:"logLevel" env:"WXBOT_LOG_LEVEL"`
	LogFile               string `json:"logFile,omitempty" env:"WXBOT_LOG_FILE"`
	MaxConcurrentMessages int    `json:"maxConcurrentMessages"`
	MessageTimeout        int    `json:"messageTimeout"` // seconds per context
}

// WeChatConfig configures the web-protocol channel.
type WeChatConfig struct {
	Enabled            bool     `json:"enabled" env:"WXBOT_WECHAT_ENABLED"`
	HotReload          bool     `json:"hotReload"`
	SessionFile        string   `json:"sessionFile"`
	QRPath             string   `json:"qrPath"`
	LoginHost          string   `json:"loginHost,omitempty"`
	Timeout            int      `json:"timeout"`     // seconds per protocol call
	DedupWindow        int      `json:"dedupWindow"` // seconds
	GroupChatPrefix    []string `json:"groupChatPrefix,omitempty"`
	SingleChatPrefix   []string `json:"singleChatPrefix,omitempty"`
	GroupNameWhiteList []string `json:"groupNameWhiteList,omitempty"`
	SpeechRecognition  bool     `json:"speechRecognition"`
	VoiceReply         bool     `json:"voiceReply"`
}

// WechatyConfig configures the puppet gateway channel.
type WechatyConfig struct {
	Enabled bool   `json:"enabled" env:"WXBOT_WECHATY_ENABLED"`
	URL     string `json:"url" env:"WXBOT_WECHATY_URL"`
	Token   string `json:"token" env:"WXBOT_WECHATY_TOKEN"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" env:"WXBOT_TELEGRAM_ENABLED"`
	Token     string         `json:"token" env:"WXBOT_TELEGRAM_TOKEN"`
	AllowFrom FlexStringList `json:"allowFrom"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type ConsoleConfig struct {
	Enabled bool `json:"enabled"`
}

type PluginsConfig struct {
	BDUnit    BDUnitConfig    `json:"bdunit"`
	Translate TranslateConfig `json:"translate"`
	TTS       TTSConfig       `json:"tts"`
	STT       STTConfig       `json:"stt"`
}

type BDUnitConfig struct {
	Enabled   bool   `json:"enabled"`
	ServiceID string `json:"serviceId" env:"WXBOT_BDUNIT_SERVICE_ID"`
	APIKey    string `json:"apiKey" env:"WXBOT_BDUNIT_API_KEY"`
	SecretKey string `json:"secretKey" env:"WXBOT_BDUNIT_SECRET_KEY"`
}

type TranslateConfig struct {
	Enabled bool   `json:"enabled"`
	AppID   string `json:"appId" env:"WXBOT_BAIDU_TRANSLATE_APP_ID"`
	AppKey  string `json:"appKey" env:"WXBOT_BAIDU_TRANSLATE_APP_KEY"`
	Trigger string `json:"trigger"`
}

type TTSConfig struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider"` // "elevenlabs" | "openai"
	APIBase  string `json:"apiBase,omitempty"`
	APIKey   string `json:"apiKey" env:"WXBOT_TTS_API_KEY"`
	Model    string `json:"model,omitempty"`
	VoiceID  string `json:"voiceId,omitempty"`
}

type STTConfig struct {
	Enabled  bool   `json:"enabled"`
	APIBase  string `json:"apiBase,omitempty"`
	APIKey   string `json:"apiKey" env:"WXBOT_STT_API_KEY"`
	Model    string `json:"model,omitempty"`
	Language string `json:"language,omitempty"`
}

type StoreConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"dbPath" env:"WXBOT_DB_PATH"`
	RetentionDays int    `json:"retentionDays"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
	Path    string `json:"path"`
}

// DefaultConfigDir returns the default config directory (~/.wxbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wxbot"
	}
	return filepath.Join(home, ".wxbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot apply environment overrides: %w", err)
	}

	cfg.General.Workspace = ExpandPath(cfg.General.Workspace)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.WeChat.SessionFile = ExpandPath(cfg.WeChat.SessionFile)
	cfg.WeChat.QRPath = ExpandPath(cfg.WeChat.QRPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentMessages < 1 || cfg.General.MaxConcurrentMessages > 100 {
		errs = append(errs, "general.maxConcurrentMessages must be between 1 and 100")
	}
	if cfg.General.MessageTimeout < 1 {
		errs = append(errs, "general.messageTimeout must be >= 1")
	}
	if cfg.WeChat.Timeout < 1 {
		errs = append(errs, "wechat.timeout must be >= 1")
	}
	if cfg.WeChat.DedupWindow < 0 {
		errs = append(errs, "wechat.dedupWindow must be >= 0")
	}
	if cfg.WeChat.HotReload && cfg.WeChat.SessionFile == "" {
		errs = append(errs, "wechat.sessionFile is required when hotReload is enabled")
	}
	if cfg.Wechaty.Enabled && cfg.Wechaty.URL == "" {
		errs = append(errs, "wechaty.url is required when wechaty is enabled")
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, "telegram.token is required when telegram is enabled")
	}

	p := cfg.Plugins
	if p.BDUnit.Enabled && (p.BDUnit.ServiceID == "" || p.BDUnit.APIKey == "" || p.BDUnit.SecretKey == "") {
		errs = append(errs, "plugins.bdunit requires serviceId, apiKey and secretKey")
	}
	if p.Translate.Enabled && (p.Translate.AppID == "" || p.Translate.AppKey == "") {
		errs = append(errs, "plugins.translate requires appId and appKey")
	}
	switch p.TTS.Provider {
	case "", "elevenlabs", "openai":
	default:
		errs = append(errs, "plugins.tts.provider must be one of: elevenlabs, openai")
	}
	if p.TTS.Enabled && p.TTS.APIKey == "" {
		errs = append(errs, "plugins.tts.apiKey is required when tts is enabled")
	}
	if p.STT.Enabled && p.STT.APIKey == "" {
		errs = append(errs, "plugins.stt.apiKey is required when stt is enabled")
	}

	if cfg.Store.Enabled && cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required when the store is enabled")
	}
	if cfg.Store.RetentionDays < 0 {
		errs = append(errs, "store.retentionDays must be >= 0")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

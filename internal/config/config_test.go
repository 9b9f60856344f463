package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_LogLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "DEBUG"} {
		cfg := Defaults()
		cfg.General.LogLevel = level
		if err := Validate(cfg); err != nil {
			t.Fatalf("logLevel %q should be valid: %v", level, err)
		}
	}
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for logLevel=verbose")
	}
}

func TestValidate_MaxConcurrentMessages_Boundary(t *testing.T) {
	cfg := Defaults()

	cfg.General.MaxConcurrentMessages = 1
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxConcurrentMessages=1 should be valid: %v", err)
	}
	cfg.General.MaxConcurrentMessages = 100
	if err := Validate(cfg); err != nil {
		t.Fatalf("maxConcurrentMessages=100 should be valid: %v", err)
	}
	cfg.General.MaxConcurrentMessages = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for maxConcurrentMessages=0")
	}
}

func TestValidate_Timeouts(t *testing.T) {
	cfg := Defaults()
	cfg.General.MessageTimeout = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for messageTimeout=0")
	}

	cfg = Defaults()
	cfg.WeChat.Timeout = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for wechat.timeout=0")
	}
}

func TestValidate_HotReloadNeedsSessionFile(t *testing.T) {
	cfg := Defaults()
	cfg.WeChat.SessionFile = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for hotReload without sessionFile")
	}
	cfg.WeChat.HotReload = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("hotReload disabled should not need sessionFile: %v", err)
	}
}

func TestValidate_EnabledChannelsNeedCredentials(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for telegram without token")
	}

	cfg = Defaults()
	cfg.Wechaty.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for wechaty without url")
	}
}

func TestValidate_Plugins(t *testing.T) {
	cfg := Defaults()
	cfg.Plugins.BDUnit.Enabled = true
	cfg.Plugins.BDUnit.ServiceID = "S1"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for bdunit without keys")
	}

	cfg = Defaults()
	cfg.Plugins.Translate.Enabled = true
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for translate without appId")
	}

	cfg = Defaults()
	cfg.Plugins.TTS.Provider = "azure"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for unknown tts provider")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.WeChat.GroupNameWhiteList = []string{"Friends", "ALL_GROUP"}
	original.Store.DBPath = filepath.Join(dir, "wxbot.db")

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.WeChat.GroupNameWhiteList) != 2 || loaded.WeChat.GroupNameWhiteList[1] != "ALL_GROUP" {
		t.Fatalf("whitelist mismatch: %v", loaded.WeChat.GroupNameWhiteList)
	}
	if loaded.Store.DBPath != original.Store.DBPath {
		t.Fatalf("dbPath = %q", loaded.Store.DBPath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.json"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"general": {"maxConcurrentMessages": 0}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(cfgFile); err == nil {
		t.Fatal("expected validation error for maxConcurrentMessages=0")
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_WXBOT_WORKSPACE", "/tmp/test-workspace")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"general": {
			"workspace": "${TEST_WXBOT_WORKSPACE}",
			"logLevel": "info"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.General.Workspace != "/tmp/test-workspace" {
		t.Fatalf("expected workspace '/tmp/test-workspace', got %q", cfg.General.Workspace)
	}
	if cfg.General.MaxConcurrentMessages != 5 {
		t.Fatalf("defaults should survive partial files, got %d", cfg.General.MaxConcurrentMessages)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WXBOT_TELEGRAM_TOKEN", "env-token")
	t.Setenv("WXBOT_LOG_LEVEL", "debug")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{"general": {"logLevel": "info"}, "telegram": {"enabled": true, "token": "file-token"}}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.Token)
	}
	if cfg.General.LogLevel != "debug" {
		t.Fatalf("logLevel = %q", cfg.General.LogLevel)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "plugins.translate.trigger")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "#translate" {
		t.Fatalf("expected '#translate', got %v", val)
	}

	val, err = GetByPath(cfg, "wechat.groupChatPrefix.0")
	if err != nil {
		t.Fatalf("get array item: %v", err)
	}
	if val != "@bot" {
		t.Fatalf("expected '@bot', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	if _, err := GetByPath(Defaults(), "nonexistent.path"); err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_Conversions(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "wechat.hotReload", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.WeChat.HotReload {
		t.Fatal("expected wechat.hotReload=false")
	}
	if err := SetByPath(cfg, "general.maxConcurrentMessages", "12"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.General.MaxConcurrentMessages != 12 {
		t.Fatalf("expected 12, got %d", cfg.General.MaxConcurrentMessages)
	}
	if err := SetByPath(cfg, "plugins.tts.voiceId", "voice-xyz"); err != nil {
		t.Fatalf("set string: %v", err)
	}
	if cfg.Plugins.TTS.VoiceID != "voice-xyz" {
		t.Fatalf("voiceId = %q", cfg.Plugins.TTS.VoiceID)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Telegram.Token = "123456789:ABCdefGHIjklMNOpqrSTUvwxyz"
	cfg.Plugins.BDUnit.SecretKey = "bdunit-secret-1234567890"
	cfg.Plugins.TTS.APIKey = "short"

	sanitized := Sanitize(cfg)

	if sanitized.Telegram.Token != "1234****wxyz" {
		t.Fatalf("telegram token = %q", sanitized.Telegram.Token)
	}
	if sanitized.Plugins.BDUnit.SecretKey == cfg.Plugins.BDUnit.SecretKey {
		t.Fatal("bdunit secret should be masked")
	}
	if sanitized.Plugins.TTS.APIKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Plugins.TTS.APIKey)
	}
	if cfg.Telegram.Token != "123456789:ABCdefGHIjklMNOpqrSTUvwxyz" {
		t.Fatal("original config should not be modified")
	}
}

// --- ListPaths ---

func TestListPaths_ReturnsAllLeaves(t *testing.T) {
	paths := ListPaths(Defaults())
	for _, expected := range []string{"general.workspace", "wechat.dedupWindow", "plugins.bdunit.enabled", "store.dbPath"} {
		if _, ok := paths[expected]; !ok {
			t.Errorf("missing expected path: %s", expected)
		}
	}
}

// --- FlexStringList ---

func TestFlexStringList_MixedTypes(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`["hello", 123, "world", 456.0]`), &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list) != 4 || list[0] != "hello" || list[1] != "123" || list[3] != "456" {
		t.Fatalf("unexpected: %v", list)
	}
}

func TestFlexStringList_InvalidJSON(t *testing.T) {
	var list FlexStringList
	if err := json.Unmarshal([]byte(`not json`), &list); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	t.Setenv("MY_PORT", "9090")
	t.Setenv("EMPTY_VAR", "")
	os.Unsetenv("NONEXISTENT_VAR_12345")

	tests := []struct {
		in, want string
	}{
		{`{"apiKey": "${TEST_API_KEY}"}`, `{"apiKey": "sk-abc123"}`},
		{`"${NONEXISTENT_VAR_12345:-8080}"`, `"8080"`},
		{`"${MY_PORT:-8080}"`, `"9090"`},
		{`"${EMPTY_VAR:-fallback}"`, `"fallback"`},
		{`"${NONEXISTENT_VAR_12345}"`, `"${NONEXISTENT_VAR_12345}"`},
		{`"$HOME is not substituted"`, `"$HOME is not substituted"`},
		{`{"key": "value", "number": 42}`, `{"key": "value", "number": 42}`},
	}
	for _, tt := range tests {
		if got := ExpandEnvVars(tt.in); got != tt.want {
			t.Errorf("ExpandEnvVars(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

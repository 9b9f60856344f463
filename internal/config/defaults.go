package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:             "~/.wxbot/workspace",
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
			MessageTimeout:        120,
		},
		WeChat: WeChatConfig{
			Enabled:          true,
			HotReload:        true,
			SessionFile:      "~/.wxbot/itchat.yaml",
			QRPath:           "~/.wxbot/QR.png",
			Timeout:          60,
			DedupWindow:      300,
			GroupChatPrefix:  []string{"@bot"},
			SingleChatPrefix: nil,
		},
		Console: ConsoleConfig{
			Enabled: false,
		},
		Plugins: PluginsConfig{
			Translate: TranslateConfig{
				Trigger: "#translate",
			},
			TTS: TTSConfig{
				Provider: "elevenlabs",
				Model:    "eleven_multilingual_v1",
			},
			STT: STTConfig{
				Model: "whisper-large-v3",
			},
		},
		Store: StoreConfig{
			Enabled:       true,
			DBPath:        "~/.wxbot/wxbot.db",
			RetentionDays: 90,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
			Path:    "/metrics",
		},
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"wxbot/internal/bus"
	"wxbot/internal/channel"
	"wxbot/internal/config"
	"wxbot/internal/domain"
	"wxbot/internal/gateway"
	"wxbot/internal/itchat"
	"wxbot/internal/metrics"
	"wxbot/internal/plugin"
	"wxbot/internal/provider"
	"wxbot/internal/store"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start all enabled channels and the plugin pipeline",
		Long:  "Starts the enabled channels (WeChat, Wechaty, Telegram, console), the worker pool and the metrics endpoint. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.New(100, logger)
	events := bus.NewEventBus(logger)
	metrics.Collector.Subscribe(events)

	var db *store.SQLiteStore
	if cfg.Store.Enabled {
		db, err = store.Open(cfg.Store.DBPath, logger)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		defer db.Close()
		if cfg.Store.RetentionDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -cfg.Store.RetentionDays)
			if n, err := db.Prune(ctx, cutoff); err != nil {
				logger.Warn("prune message log failed", "err", err)
			} else if n > 0 {
				logger.Info("message log pruned", "rows", n)
			}
		}
	}

	registry := buildPlugins(cfg)
	logger.Info("plugins loaded", "plugins", registry.Names())

	channels := buildChannels(cfg, db, events)
	if len(channels) == 0 {
		return errors.New("no channel enabled; enable wechat, wechaty, telegram or console")
	}

	poolCfg := gateway.Config{
		Bus:         messageBus,
		Plugins:     registry,
		Events:      events,
		Concurrency: cfg.General.MaxConcurrentMessages,
		Timeout:     time.Duration(cfg.General.MessageTimeout) * time.Second,
		Logger:      logger,
	}
	if db != nil {
		poolCfg.Log = db
	}
	pool := gateway.New(poolCfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pool.Run(gctx) })
	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.Collector.Serve(gctx, cfg.Metrics.Listen, cfg.Metrics.Path, logger) })
	}
	for _, ch := range channels {
		g.Go(func() error {
			logger.Info("channel starting", "channel", ch.Name())
			err := ch.Start(gctx, messageBus)
			if err != nil {
				return fmt.Errorf("%s channel: %w", ch.Name(), err)
			}
			if ch.Name() == "console" {
				// leaving the console ends the session
				cancel()
			}
			return nil
		})
	}

	logger.Info("gateway started. Press Ctrl+C to stop.")
	<-gctx.Done()
	logger.Info("shutting down gateway...")

	done := make(chan error, 1)
	go func() {
		for _, ch := range channels {
			ch.Stop()
		}
		err := g.Wait()
		messageBus.Close()
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		return errors.New("shutdown timed out")
	}
}

// buildPlugins registers the built-in plugins, the configured third-party
// ones and every keyword file under <workspace>/plugins.
func buildPlugins(cfg *config.Config) *plugin.Registry {
	registry := plugin.NewRegistry(logger)
	registry.Register(plugin.NewHelp(registry))
	registry.Register(plugin.Echo{})

	p := cfg.Plugins
	if p.BDUnit.Enabled {
		registry.Register(plugin.NewBDUnit(provider.NewBaiduUNIT(provider.UNITConfig{
			ServiceID: p.BDUnit.ServiceID,
			APIKey:    p.BDUnit.APIKey,
			SecretKey: p.BDUnit.SecretKey,
			Logger:    logger,
		}), logger))
	}
	if p.Translate.Enabled {
		tr, err := provider.NewBaiduTranslator(provider.TranslatorConfig{AppID: p.Translate.AppID, AppKey: p.Translate.AppKey, Logger: logger})
		if err != nil {
			logger.Warn("translate plugin disabled", "err", err)
		} else {
			registry.Register(plugin.NewTranslate(tr, p.Translate.Trigger))
		}
	}
	if p.TTS.Enabled {
		registry.Register(plugin.NewTTS(newTTS(cfg), cfg.WeChat.VoiceReply, logger))
	}
	if p.STT.Enabled && cfg.WeChat.SpeechRecognition {
		registry.Register(plugin.NewSTT(provider.NewWhisperProvider(provider.WhisperConfig{
			APIBase:  p.STT.APIBase,
			APIKey:   p.STT.APIKey,
			Model:    p.STT.Model,
			Language: p.STT.Language,
			Logger:   logger,
		}), logger))
	}

	defs, err := plugin.LoadFromDirectory(filepath.Join(cfg.General.Workspace, "plugins"), logger)
	if err != nil {
		logger.Warn("keyword plugins not loaded", "err", err)
	}
	for _, def := range defs {
		registry.Register(plugin.NewKeyword(def))
	}
	return registry
}

func newTTS(cfg *config.Config) *provider.TTSProvider {
	t := cfg.Plugins.TTS
	return provider.NewTTSProvider(provider.TTSConfig{
		Provider: t.Provider,
		APIBase:  t.APIBase,
		APIKey:   t.APIKey,
		Model:    t.Model,
		Voice:    t.VoiceID,
		TmpDir:   filepath.Join(cfg.General.Workspace, "tmp"),
		Logger:   logger,
	})
}

func buildChannels(cfg *config.Config, db *store.SQLiteStore, events *bus.EventBus) []domain.Channel {
	var channels []domain.Channel
	if cfg.WeChat.Enabled {
		channels = append(channels, newWeChat(cfg, db, events))
	}
	if cfg.Wechaty.Enabled {
		channels = append(channels, channel.NewWechaty(channel.WechatyConfig{
			URL:             cfg.Wechaty.URL,
			Token:           cfg.Wechaty.Token,
			GroupChatPrefix: cfg.WeChat.GroupChatPrefix,
			Events:          events,
			Client:          provider.SharedHTTPClient(60 * time.Second),
			Logger:          logger,
		}))
	}
	if cfg.Telegram.Enabled {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:           cfg.Telegram.Token,
			AllowFrom:       cfg.Telegram.AllowFrom,
			GroupChatPrefix: cfg.WeChat.GroupChatPrefix,
			Events:          events,
			Logger:          logger,
		}))
	}
	if cfg.Console.Enabled {
		channels = append(channels, channel.NewConsole(channel.ConsoleConfig{Logger: logger, Spinner: true}))
	}
	return channels
}

func newWeChat(cfg *config.Config, db *store.SQLiteStore, events *bus.EventBus) *channel.WeChat {
	w := cfg.WeChat
	session := itchat.NewSession(itchat.SessionConfig{
		Timeout: time.Duration(w.Timeout) * time.Second,
		Logger:  logger,
	})
	wcfg := channel.WeChatConfig{
		Session:            session,
		LoginHost:          w.LoginHost,
		QRPath:             w.QRPath,
		SessionFile:        w.SessionFile,
		HotReload:          w.HotReload,
		GroupChatPrefix:    w.GroupChatPrefix,
		SingleChatPrefix:   w.SingleChatPrefix,
		GroupNameWhiteList: w.GroupNameWhiteList,
		DedupWindow:        time.Duration(w.DedupWindow) * time.Second,
		Events:             events,
		OnQR:               printQR,
		Logger:             logger,
	}
	if db != nil {
		wcfg.Store = db
	}
	return channel.NewWeChat(wcfg)
}

func printQR(uuid, art string) {
	fmt.Fprintln(os.Stdout, "Scan the QR code with WeChat to log in:")
	fmt.Fprintln(os.Stdout, art)
}

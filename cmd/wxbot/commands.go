package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"wxbot/internal/itchat"
	"wxbot/internal/provider"
	"wxbot/internal/store"

	"github.com/spf13/cobra"
)

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in to WeChat by QR code and save the session",
		Long:  "Runs the QR login flow (or resumes the saved session) and writes wechat.sessionFile so the gateway can start without scanning again.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.WeChat.SessionFile == "" {
				return fmt.Errorf("wechat.sessionFile is not set")
			}
			cfg.WeChat.HotReload = true

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			wx := newWeChat(cfg, nil, nil)
			if err := wx.Login(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in. Session saved to %s\n", cfg.WeChat.SessionFile)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show saved session and message log status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "config:   %s\n", cfgPath)
			fmt.Fprintf(out, "channels: %s\n", strings.Join(enabledChannels(cfg.WeChat.Enabled, cfg.Wechaty.Enabled, cfg.Telegram.Enabled, cfg.Console.Enabled), ", "))

			if cfg.WeChat.SessionFile != "" {
				s := itchat.NewSession(itchat.SessionConfig{Logger: logger})
				if err := itchat.LoadSession(s, cfg.WeChat.SessionFile); err != nil {
					fmt.Fprintf(out, "session:  none (%v)\n", err)
				} else {
					fmt.Fprintf(out, "session:  %s (%s)\n", s.Self().NickName, s.LoginInfo().URL)
				}
			}

			if !cfg.Store.Enabled {
				fmt.Fprintln(out, "store:    disabled")
				return nil
			}
			db, err := store.Open(cfg.Store.DBPath, logger)
			if err != nil {
				return fmt.Errorf("store: %w", err)
			}
			defer db.Close()

			ctx := cmd.Context()
			counts, err := db.CountByKind(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "store:    %s\n", cfg.Store.DBPath)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for kind, n := range counts {
				fmt.Fprintf(tw, "  %s\t%d\n", kind, n)
			}
			tw.Flush()

			if recent > 0 {
				recs, err := db.RecentMessages(ctx, recent)
				if err != nil {
					return err
				}
				printRecords(out, recs)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&recent, "recent", "n", 10, "show the newest N logged messages")
	return cmd
}

func enabledChannels(wechat, wechaty, telegram, console bool) []string {
	var names []string
	for _, c := range []struct {
		name string
		on   bool
	}{{"wechat", wechat}, {"wechaty", wechaty}, {"telegram", telegram}, {"console", console}} {
		if c.on {
			names = append(names, c.name)
		}
	}
	if len(names) == 0 {
		return []string{"none"}
	}
	return names
}

func printRecords(w io.Writer, recs []store.MessageRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCHANNEL\tDIR\tKIND\tSENDER\tCONTENT")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Format(time.DateTime), r.Channel, r.Direction, r.Kind, r.Sender, truncate(r.Content, 40))
	}
	tw.Flush()
}

func decodeCmd() *cobra.Command {
	var self string
	cmd := &cobra.Command{
		Use:   "decode [file.json]",
		Short: "Decode a webwxsync AddMsgList dump and print normalized messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			raws, err := itchat.ParseRawMessages(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			s := itchat.NewSession(itchat.SessionConfig{Timeout: time.Second, Logger: logger})
			s.SetSelf(itchat.Member{UserName: self})
			dec := itchat.NewDecoder(itchat.DecoderConfig{Session: s, Logger: logger})
			printMessages(cmd.OutOrStdout(), dec.Produce(cmd.Context(), raws))
			return nil
		},
	}
	cmd.Flags().StringVar(&self, "self", "", "the bot's own UserName, for outgoing message detection")
	return cmd
}

func printMessages(w io.Writer, msgs []*itchat.Message) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MSGID\tKIND\tCHAT\tSENDER\tAT\tTEXT")
	for _, m := range msgs {
		sender, at := m.Raw.FromUserName, ""
		if m.Group != nil {
			sender = m.Group.ActualNickName
			if sender == "" {
				sender = m.Group.ActualUserName
			}
			if m.Group.IsAt {
				at = "yes"
			}
		}
		chat := m.User.Name()
		if chat == "" {
			chat = m.User.UserName
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", m.Raw.MsgID, m.Kind(), chat, sender, at, truncate(m.Text(), 60))
	}
	tw.Flush()
}

func translateCmd() *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "translate [text...]",
		Short: "Translate text with Baidu Translate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tr, err := provider.NewBaiduTranslator(provider.TranslatorConfig{
				AppID:  cfg.Plugins.Translate.AppID,
				AppKey: cfg.Plugins.Translate.AppKey,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			out, err := tr.Translate(cmd.Context(), strings.Join(args, " "), from, to)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "auto", "source language")
	cmd.Flags().StringVar(&to, "to", "en", "target language")
	return cmd
}

func sayCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "say [text...]",
		Short: "Synthesize speech with the configured TTS provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tts := newTTS(cfg)
			text := strings.Join(args, " ")

			path := output
			if path == "" {
				path, err = tts.SynthesizeToFile(cmd.Context(), text)
				if err != nil {
					return err
				}
			} else {
				audio, err := tts.Synthesize(cmd.Context(), text)
				if err != nil {
					return err
				}
				if err := os.WriteFile(path, audio, 0o644); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the MP3 here instead of the workspace tmp dir")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

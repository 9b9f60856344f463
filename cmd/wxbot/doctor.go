package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"wxbot/internal/config"
	"wxbot/internal/itchat"
	"wxbot/internal/store"

	"github.com/spf13/cobra"
)

type doctorReport struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Fprintf(r.out, "  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Fprintf(r.out, "  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Fprintf(r.out, "  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wxbot installation",
		Long: `Verifies that the configuration, workspace, message store, saved WeChat
session and plugin credentials are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			r := &doctorReport{out: cmd.OutOrStdout()}
			fmt.Fprintf(r.out, "wxbot doctor v%s\n\n", version)

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintf(r.out, "\nRun 'wxbot init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			checkWorkspace(r, cfg.General.Workspace)
			if cfg.Store.Enabled {
				if err := checkStore(cfg.Store.DBPath); err != nil {
					r.fail("Message store", err.Error())
				} else {
					r.pass("Message store", cfg.Store.DBPath)
				}
			}
			if cfg.WeChat.Enabled {
				checkSession(r, cfg.WeChat)
			}
			checkPlugins(r, cfg.Plugins)
			if cfg.Metrics.Enabled {
				if err := checkListen(cfg.Metrics.Listen); err != nil {
					r.warn("Metrics listen", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Listen, err))
				} else {
					r.pass("Metrics listen", cfg.Metrics.Listen)
				}
			}
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Fprintf(r.out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkWorkspace(r *doctorReport, dir string) {
	info, err := os.Stat(dir)
	switch {
	case err != nil:
		r.fail("Workspace", fmt.Sprintf("not found: %s", dir))
	case !info.IsDir():
		r.fail("Workspace", fmt.Sprintf("not a directory: %s", dir))
	default:
		r.pass("Workspace", dir)
	}
}

// checkStore opens the store, which also runs pending migrations.
func checkStore(dbPath string) error {
	db, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.CountByKind(ctx); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	return nil
}

func checkSession(r *doctorReport, w config.WeChatConfig) {
	if !w.HotReload {
		r.warn("WeChat session", "hotReload off; every start needs a QR scan")
		return
	}
	s := itchat.NewSession(itchat.SessionConfig{Logger: logger})
	if err := itchat.LoadSession(s, w.SessionFile); err != nil {
		r.warn("WeChat session", "no saved session; run 'wxbot login'")
		return
	}
	r.pass("WeChat session", s.Self().NickName)
}

func checkPlugins(r *doctorReport, p config.PluginsConfig) {
	credentialed := []struct {
		name    string
		enabled bool
		ok      bool
	}{
		{"Plugin: bdunit", p.BDUnit.Enabled, p.BDUnit.APIKey != "" && p.BDUnit.SecretKey != "" && p.BDUnit.ServiceID != ""},
		{"Plugin: translate", p.Translate.Enabled, p.Translate.AppID != "" && p.Translate.AppKey != ""},
		{"Plugin: tts", p.TTS.Enabled, p.TTS.APIKey != ""},
		{"Plugin: stt", p.STT.Enabled, p.STT.APIKey != ""},
	}
	for _, c := range credentialed {
		switch {
		case !c.enabled:
		case c.ok:
			r.pass(c.name, "configured")
		default:
			r.warn(c.name, "enabled but credentials are missing")
		}
	}
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

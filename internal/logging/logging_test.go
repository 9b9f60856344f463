package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "warn", Stderr: &buf})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "component", "test")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "logs", "wxbot.log")

	var buf bytes.Buffer
	logger, closer, err := New(Options{Level: "info", File: file, Stderr: &buf})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hello file")
	closer.Close()

	rotated := filepath.Join(dir, "logs", "wxbot."+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(rotated)
	if err != nil {
		t.Fatalf("read rotated file: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Fatalf("rotated file missing entry: %s", data)
	}
}

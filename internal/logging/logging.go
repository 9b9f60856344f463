package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

const (
	logMaxAge       = 7 * 24 * time.Hour
	logRotationTime = 24 * time.Hour
)

// Options controls New.
type Options struct {
	Level  string    // debug | info | warn | error
	File   string    // optional; rotated daily, kept for seven days
	Stderr io.Writer // defaults to os.Stderr
}

// ParseLevel maps a config string to a slog level. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a text logger writing to stderr and, when File is set, to a
// daily rotated file. The returned closer releases the file handle.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	var out io.Writer = os.Stderr
	if opts.Stderr != nil {
		out = opts.Stderr
	}
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		w, err := newRotator(opts.File)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(out, w)
		closer = w
	}

	handler := slog.NewTextHandler(out, &slog.HandlerOptions{Level: ParseLevel(opts.Level)})
	return slog.New(handler), closer, nil
}

// newRotator turns "/var/log/wxbot.log" into the pattern
// "/var/log/wxbot.%Y-%m-%d.log" with a "wxbot.log" symlink to the current file.
func newRotator(file string) (*rotatelogs.RotateLogs, error) {
	dir := filepath.Dir(file)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(file)
	base := strings.TrimSuffix(file, ext)
	if ext == "" {
		ext = ".log"
	}
	w, err := rotatelogs.New(
		base+".%Y-%m-%d"+ext,
		rotatelogs.WithLinkName(file),
		rotatelogs.WithMaxAge(logMaxAge),
		rotatelogs.WithRotationTime(logRotationTime),
	)
	if err != nil {
		return nil, fmt.Errorf("open rotating log %s: %w", file, err)
	}
	return w, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

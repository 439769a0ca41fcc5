package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"

	"pharmimport/internal/config"
)

// Options describes logger construction parameters.
type Options struct {
	Level       string
	Format      string
	Output      io.Writer
	Development bool
}

// New constructs a slog logger writing to opts.Output (stderr by default).
func New(opts Options) (*slog.Logger, error) {
	handler, err := newHandler(opts)
	if err != nil {
		return nil, err
	}
	return slog.New(handler), nil
}

func newHandler(opts Options) (slog.Handler, error) {
	level := parseLevel(opts.Level)
	levelVar := new(slog.LevelVar)
	levelVar.Set(level)

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	addSource := opts.Development || level <= slog.LevelDebug

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	if format == "" {
		format = "console"
	}

	switch format {
	case "json":
		return newJSONHandler(out, levelVar, addSource), nil
	case "console":
		return newPrettyHandler(out, levelVar, addSource), nil
	default:
		return nil, fmt.Errorf("log format: unsupported value %q", opts.Format)
	}
}

// NewFromConfig creates the run logger. Terminal output follows the configured
// format; when fileName is non-empty every record is also written as JSON to
// that file under paths.log_dir. The returned close function releases the file.
func NewFromConfig(cfg *config.Config, fileName string) (*slog.Logger, string, func() error, error) {
	noop := func() error { return nil }
	if cfg == nil {
		logger, err := New(Options{Level: "info", Format: "console"})
		return logger, "", noop, err
	}

	terminal, err := newHandler(Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, "", noop, err
	}
	if strings.TrimSpace(fileName) == "" || cfg.Paths.LogDir == "" {
		return slog.New(terminal), "", noop, nil
	}

	if err := os.MkdirAll(cfg.Paths.LogDir, 0o755); err != nil {
		return nil, "", noop, fmt.Errorf("ensure log directory: %w", err)
	}
	logPath := filepath.Join(cfg.Paths.LogDir, fileName)
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, "", noop, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	fileLevel := new(slog.LevelVar)
	fileLevel.Set(parseLevel(cfg.Logging.Level))
	fileHandler := newJSONHandler(file, fileLevel, false)

	logger := slog.New(slogmulti.Fanout(terminal, fileHandler))
	return logger, logPath, file.Close, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

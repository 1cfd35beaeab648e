package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string
	// FilePath is the log file. Empty logs to stderr only.
	FilePath string
	// MaxSizeMB is the file size that triggers rotation.
	MaxSizeMB int
	// MaxFiles is the number of rotated files kept.
	MaxFiles int
	// WriteToStderr mirrors file output to stderr.
	WriteToStderr bool
}

// DefaultLogPath returns ~/.bivy/logs/bivy.log, or a temp-dir equivalent
// when there is no home directory.
func DefaultLogPath() string {
	base := os.TempDir()
	if home, err := os.UserHomeDir(); err == nil {
		base = home
	}
	return filepath.Join(base, ".bivy", "logs", "bivy.log")
}

// DefaultConfig logs info and above to the default file and stderr.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		FilePath:      DefaultLogPath(),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	}
}

// DebugConfig is DefaultConfig at debug level.
func DebugConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	return cfg
}

// Setup builds a JSON logger for cfg. The returned cleanup closes the log
// file and must run on shutdown.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	opts := &slog.HandlerOptions{Level: LevelFromString(cfg.Level)}
	if cfg.FilePath == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), func() {}, nil
	}

	file, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
	if err != nil {
		return nil, nil, err
	}
	var out io.Writer = file
	if cfg.WriteToStderr {
		out = io.MultiWriter(file, os.Stderr)
	}
	return slog.New(slog.NewJSONHandler(out, opts)), func() { _ = file.Close() }, nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// LevelFromString maps a level name to a slog.Level, defaulting to info.
func LevelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
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

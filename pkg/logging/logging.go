package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level is the minimum severity a handler lets through.
type Level = slog.Level

// Severity levels, lowest to highest.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the output encoding.
type Format string

const (
	// FormatText is the human-readable key=value encoding.
	FormatText Format = "text"
	// FormatJSON is one JSON object per line, for log aggregation.
	FormatJSON Format = "json"
)

// Config describes a logger to build.
type Config struct {
	// Level is the minimum severity to emit.
	Level Level

	// Format selects text or JSON output.
	Format Format

	// Output receives the log stream. Nil means os.Stderr.
	Output io.Writer

	// AddSource annotates every record with its file and line.
	AddSource bool
}

// DefaultConfig is info-level text on stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Format: FormatText, Output: os.Stderr}
}

// New builds a logger from cfg.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}

	if cfg.Format == FormatJSON {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

// NewWithLevel builds a text logger on stderr at the given level.
func NewWithLevel(level Level) *slog.Logger {
	return New(Config{Level: level, Format: FormatText})
}

// Nop returns a logger that discards everything. Components take it as
// their default so a nil-logger check never appears on a hot path.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a level name to a Level, case-insensitively. Unknown
// names, and the empty string, mean info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ParseFormat maps a format name to a Format, case-insensitively. Anything
// that is not "json" means text.
func ParseFormat(s string) Format {
	if strings.ToLower(s) == "json" {
		return FormatJSON
	}
	return FormatText
}

package logger

import (
	"io"
	"log/slog"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFile       = "purge_fixer.log"
)

// Config describes where the daemon log goes. Every record is written to
// stdout and, when File is set, to a rotating file.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" toml:"compress"`
	Level      string `mapstructure:"level" toml:"level"`
}

// FileWriter returns the rotating file writer, or nil when File is empty.
func (c Config) FileWriter() io.WriteCloser {
	if strings.TrimSpace(c.File) == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds the daemon logger writing to stdout and the configured file.
// The returned closer releases the file; it is never nil.
func New(c Config, stdout io.Writer) (*slog.Logger, io.Closer) {
	var w io.Writer = stdout
	var closer io.Closer = nopCloser{}
	if f := c.FileWriter(); f != nil {
		w = io.MultiWriter(stdout, f)
		closer = f
	}
	return slog.New(NewLineHandler(w, ParseLevel(c.Level))), closer
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

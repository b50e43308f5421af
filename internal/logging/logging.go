// Package logging builds the zerolog logger shared by every component of a node.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultBufferSize = 10000
	diodePollInterval = 10 * time.Millisecond
	consoleTimeFormat = "15:04:05.000"
	formatConsole     = "console"
	formatJSON        = "json"
	outputStderr      = "stderr"
	outputStdout      = "stdout"
	outputFile        = "file"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level (trace, debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`
	// Output is stdout, stderr or file.
	Output string `yaml:"output"`
	// File configures the rotating log file used when Output is file.
	File FileConfig `yaml:"file"`
	// Async routes writes through a non-blocking diode buffer.
	Async      bool `yaml:"async"`
	BufferSize int  `yaml:"buffer_size"`
}

// FileConfig controls log file rotation.
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// DefaultConfig returns info level JSON logging on stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Format: formatJSON, Output: outputStderr, BufferSize: defaultBufferSize}
}

// New builds a logger writing to the configured output.
func New(cfg Config) (zerolog.Logger, error) {
	var out io.Writer = os.Stderr

	switch strings.ToLower(cfg.Output) {
	case "", outputStderr:
	case outputStdout:
		out = os.Stdout
	case outputFile:
		if cfg.File.Path == "" {
			return zerolog.Nop(), ewrap.New("log output file requires file.path")
		}

		out = &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxAge:     cfg.File.MaxAgeDays,
			MaxBackups: cfg.File.MaxBackups,
			Compress:   cfg.File.Compress,
		}
	default:
		return zerolog.Nop(), ewrap.Newf("unknown log output %q", cfg.Output)
	}

	return NewWithWriter(cfg, out)
}

// NewWithWriter builds a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel

	if cfg.Level != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), ewrap.Wrapf(err, "log level %q", cfg.Level)
		}

		level = lvl
	}

	switch strings.ToLower(cfg.Format) {
	case "", formatJSON:
	case formatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
	default:
		return zerolog.Nop(), ewrap.Newf("unknown log format %q", cfg.Format)
	}

	if cfg.Async {
		size := cfg.BufferSize
		if size <= 0 {
			size = defaultBufferSize
		}

		w = diode.NewWriter(w, size, diodePollInterval, func(missed int) {
			fmt.Fprintf(os.Stderr, "logger dropped %d messages\n", missed)
		})
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// Component returns a child logger tagged with the component and node names.
func Component(l zerolog.Logger, component, node string) zerolog.Logger {
	return l.With().Str("component", component).Str("node", node).Logger()
}

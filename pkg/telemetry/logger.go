package telemetry

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

// Logger is the root zerolog logger of a failsafe process.
type Logger struct {
	root zerolog.Logger
	file *os.File
}

var timeFieldFormats = map[string]string{
	"":        time.RFC3339,
	"rfc3339": time.RFC3339,
	"unix":    zerolog.TimeFormatUnix,
	"unixms":  zerolog.TimeFormatUnixMs,
}

// NewLogger opens the configured output and builds the root logger. JSON
// lines carry the service and environment so logs from several hosts running
// the same runbook can be merged.
func NewLogger(cfg LoggingConfig, svc ServiceInfo) (*Logger, error) {
	out, file, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	return buildLogger(out, file, cfg, svc), nil
}

func openLogOutput(output string) (io.Writer, *os.File, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %s: %w", output, err)
	}
	return f, f, nil
}

func buildLogger(out io.Writer, file *os.File, cfg LoggingConfig, svc ServiceInfo) *Logger {
	if format, ok := timeFieldFormats[cfg.TimeFormat]; ok {
		zerolog.TimeFieldFormat = format
	}

	console := cfg.Format == "console"
	if console {
		// Operators read console output next to the CLI's own colored tables.
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05", NoColor: file != nil || color.NoColor}
	}

	zctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if !console && svc.Name != "" {
		zctx = zctx.Str("service", svc.Name)
	}
	if !console && svc.Environment != "" {
		zctx = zctx.Str("environment", svc.Environment)
	}
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{root: zctx.Logger(), file: file}
}

// Zerolog returns the root logger. Engine components take it directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.root
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.root.With().Str("component", name).Logger()
}

// Close syncs and closes the log file, if logging to one.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	_ = l.file.Sync()
	return l.file.Close()
}

// ParseLevel maps a configured level name to a zerolog level. Empty or
// unknown names mean info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

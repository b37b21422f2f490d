package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/biogate/internal/infrastructure/config"
)

const serviceName = "biogate"

// Logger is a slog.Logger carrying the service and version attributes.
// It satisfies the small Logger interfaces declared by the protocol,
// queue and infrastructure packages.
type Logger struct {
	*slog.Logger
}

// New builds the process logger from the logging section of config.yaml.
func New(cfg config.LoggingConfig, version string) *Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return newWithWriter(cfg, version, out)
}

func newWithWriter(cfg config.LoggingConfig, version string, out io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	}

	l := slog.New(h).With("service", serviceName, "version", version)
	return &Logger{Logger: l}
}

// parseLevel maps a config level name to slog. Unknown names mean info.
func parseLevel(name string) slog.Level {
	name = strings.ToLower(name)
	if name == "warning" {
		name = "warn"
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// With returns a child logger, typically tagged with a component name.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default is the pre-config logger: JSON on stdout at info.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// Discard returns a logger that writes nothing.
func Discard() *Logger {
	return newWithWriter(config.LoggingConfig{Level: "error"}, "test", io.Discard)
}

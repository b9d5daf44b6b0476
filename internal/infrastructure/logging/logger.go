package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
)

// serviceName tags every log line so records from a fleet of edge
// devices aggregate by service.
const serviceName = "skybridge"

// Logger is the agent's structured logger, a thin layer over slog.
//
// Child loggers created with Component or With share the parent's
// handler; all methods are safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds the agent logger from configuration: JSON or text output,
// level filtering, and the service/version fields every record carries.
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Build version stamped on every record
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	return NewWithWriter(cfg, version, defaultWriter(cfg.Output))
}

// NewWithWriter is New with the output destination supplied by the
// caller. Tests use it to capture records in a buffer.
func NewWithWriter(cfg config.LoggingConfig, version string, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler)}
}

// defaultWriter maps the configured output name to a stream. Anything
// unrecognised falls back to stdout, where journald or the container
// runtime picks it up.
func defaultWriter(output string) io.Writer {
	if strings.EqualFold(output, "stderr") {
		return os.Stderr
	}
	return os.Stdout
}

// parseLevel converts a configured level name to slog.Level.
//
// Supported levels: debug, info, warn, error
// Defaults to info if unrecognised.
func parseLevel(level string) slog.Level {
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

// Component returns a child logger tagged with a subsystem name.
//
// Each package takes its logger through this, so records group by
// component once shipped off the device:
//
//	log := logger.Component("spool")
//	log.Info("opened") // includes component=spool
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// With returns a child logger carrying additional default attributes,
// given as key-value pairs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default returns the early-startup logger used before configuration is
// loaded: JSON to stdout at info level.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

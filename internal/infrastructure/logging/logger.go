package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/config"
)

// serviceName is attached to every record.
const serviceName = "graylogic-acs"

// redacted replaces the value of secret-bearing attributes.
const redacted = "[redacted]"

// Logger wraps slog.Logger with ACS-specific functionality.
//
// It provides structured logging with default fields and level-based filtering.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger with the specified configuration.
//
// It configures:
//   - Output format (JSON for production, text for development)
//   - Log level filtering
//   - Default fields (service name, version)
//   - Redaction of credential attributes
//
// Parameters:
//   - cfg: Logging configuration from config.yaml
//   - version: Application version for default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}
	return &Logger{Logger: slog.New(newHandler(output, cfg, version))}
}

func newHandler(w io.Writer, cfg config.LoggingConfig, version string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redact,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})
}

// redact blanks attributes whose key names a credential. Devices report
// ManagementServer.Password and ConnectionRequestPassword among their
// parameters, and tasks may set them.
func redact(_ []string, a slog.Attr) slog.Attr {
	if IsSecret(a.Key) {
		return slog.String(a.Key, redacted)
	}
	return a
}

// IsSecret reports whether a log key or parameter name refers to a
// credential.
func IsSecret(name string) bool {
	lower := strings.ToLower(name)
	if i := strings.LastIndexByte(lower, '.'); i >= 0 {
		lower = lower[i+1:]
	}
	return strings.HasSuffix(lower, "password") ||
		strings.HasSuffix(lower, "passphrase") ||
		strings.HasSuffix(lower, "token") ||
		strings.HasSuffix(lower, "secret")
}

// parseLevel converts a string log level to slog.Level.
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

// With returns a new Logger with additional default attributes.
//
// Example:
//
//	cacheLogger := logger.With("component", "localcache")
//	cacheLogger.Info("snapshot loaded") // Includes component=localcache
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
	}
}

// ForSession returns a Logger tagged with a CPE session's identity.
func (l *Logger) ForSession(sessionID, deviceID string) *Logger {
	return l.With("session_id", sessionID, "device_id", deviceID)
}

// Default creates a default logger for use before configuration is loaded.
//
// This logger outputs to stdout in JSON format at info level.
// It should only be used during early startup before config is available.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

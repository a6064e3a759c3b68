// Package logging configures the process-wide slog logger from LOG_LEVEL,
// LOG_FORMAT and LOG_SOURCE.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup installs and returns the default logger writing to w. The CLI
// passes stderr so that reports on stdout stay clean.
func Setup(w io.Writer) *slog.Logger {
	logger := slog.New(Handler(w, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL")))
	slog.SetDefault(logger)
	return logger
}

// Handler builds a handler for format (json, text or pretty) at level.
// Empty values pick defaults for the detected environment.
func Handler(w io.Writer, format, level string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: os.Getenv("LOG_SOURCE") == "true",
	}
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = "pretty"
		if isProduction() {
			format = "json"
		}
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "pretty":
		opts.ReplaceAttr = func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05.000"))
			}
			return a
		}
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// ParseLevel maps a level name to a slog.Level. Empty means DEBUG outside
// production and INFO in it; unknown names mean INFO.
func ParseLevel(level string) slog.Level {
	if strings.TrimSpace(level) == "" {
		if isProduction() {
			return slog.LevelInfo
		}
		return slog.LevelDebug
	}
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnvironmentName returns the detected runtime environment.
func EnvironmentName() string {
	for _, key := range []string{"ENV", "GO_ENV", "APP_ENV"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "kubernetes"
	}
	return "development"
}

func isProduction() bool {
	env := strings.ToLower(EnvironmentName())
	return strings.HasPrefix(env, "prod") || os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

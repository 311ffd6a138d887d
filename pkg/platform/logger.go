package platform

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogger configures the process-wide JSON logger. Level comes from
// LOG_LEVEL (debug, info, warn, error).
func InitLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(GetEnv("LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	// JSON handler for production logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func LogFatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

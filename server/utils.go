package server

import (
	"os"

	"github.com/decred/slog"
)

func GetDebugLevel(debugStr string) slog.Level {
	// Convert debugStr to slog.Level
	var debugLevel slog.Level
	switch debugStr {
	case "", "info":
		debugLevel = slog.LevelInfo
	case "warn":
		debugLevel = slog.LevelWarn
	case "error":
		debugLevel = slog.LevelError
	case "debug":
		debugLevel = slog.LevelDebug
	case "trace":
		debugLevel = slog.LevelTrace
	default:
		debugLevel = slog.LevelInfo
	}

	return debugLevel
}

// Subsystem tags used across the server's loggers.
var subsystems = []string{"SRVR", "ROOM", "CHAL", "MTCH", "ESCR", "SPEC", "PAYW"}

func newSubsystemLoggers(level slog.Level) map[string]slog.Logger {
	backend := slog.NewBackend(os.Stderr)
	logs := make(map[string]slog.Logger, len(subsystems))
	for _, tag := range subsystems {
		l := backend.Logger(tag)
		l.SetLevel(level)
		logs[tag] = l
	}
	return logs
}

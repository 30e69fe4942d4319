// Package telemetry constructs the process logger and Prometheus metrics,
// and serves the /health, /ready, /status, and /metrics HTTP surface
// (spec.md §6), adapted from the teacher's internal/util.InitLogger and
// cmd/indexer/main.go's metrics server wiring.
package telemetry

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds a zerolog.Logger: pretty console output when stdout is a
// terminal, structured JSON otherwise, exactly as the teacher's
// InitLogger chooses.
func NewLogger(level string) zerolog.Logger {
	var logger zerolog.Logger
	if isTerminal() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().
			Timestamp().
			Caller().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "ponder").
			Logger()
	}

	logger = logger.Level(parseLevel(level))
	return logger
}

// UpdateLevel returns a copy of logger at the new level; logger itself is
// left unchanged. It mirrors the teacher's
// UpdateLogLevel (generalized from a package-global level to a
// per-logger one so multiple components don't stomp on each other).
func UpdateLevel(logger *zerolog.Logger, level string) zerolog.Logger {
	return logger.Level(parseLevel(level))
}

func parseLevel(levelStr string) zerolog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnvVar names the environment variable that selects the log level.
const LevelEnvVar = "WATERMARK_LOG_LEVEL"

// Init initializes the global logger. level overrides WATERMARK_LOG_LEVEL when
// non-empty. Accepted values: trace, debug, info, warn, error (default: info).
func Init(level string) {
	if level == "" {
		level = os.Getenv(LevelEnvVar)
	}
	zerolog.SetGlobalLevel(ParseLevel(level))

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// ParseLevel maps a level name to a zerolog level, falling back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

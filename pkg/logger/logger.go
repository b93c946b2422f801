// Package logger builds the process-wide zerolog root logger that every
// repository and service derives its child logger from.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config controls level and output format of the root logger
type Config struct {
	Level  string // debug, info, warn, error; anything else falls back to info
	Pretty bool   // Human-readable console output instead of JSON
}

// New constructs the root logger. The level applies globally, so child
// loggers inherit it without further wiring.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logger := zerolog.New(os.Stdout)
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.TimeOnly,
		})
	}

	return logger.With().Timestamp().Caller().Logger()
}

// SetGlobalLogger replaces zerolog's package-level logger so code using
// the log.* shortcuts writes through the configured root logger.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}

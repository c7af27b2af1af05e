package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger with console output for interactive
// use. DOCOCR_LOG_LEVEL controls the log level: debug, info, warn, error
// (default: info).
func Init() {
	setLevel()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// InitJSON initializes the global logger with zerolog's default JSON
// output, one object per line on stderr. Lambda entry points use this;
// CloudWatch captures the stream and indexes each line as a structured
// event.
func InitJSON() {
	setLevel()
}

func setLevel() {
	switch os.Getenv("DOCOCR_LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

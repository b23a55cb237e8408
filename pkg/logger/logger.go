// Package logger configures the process-wide zerolog logger every gateway
// component logs through.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets the global log level and output format. Format "console"
// renders human-readable lines for local runs; anything else stays JSON
// for log shipping. Every line carries the service name so gateway logs
// are separable from co-deployed processes.
func Init(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	log.Logger = log.Logger.With().Str("service", "dicom-gateway").Logger()
}

// Get returns the configured global logger for injection into components
// that carry their own contextual fields (assoc_id, study_uid, pacs_node).
func Get() zerolog.Logger {
	return log.Logger
}

package logging

import (
	"os"
	"runtime"
	"time"

	"cloud.google.com/go/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger configures the global zerolog logger: level, timestamp
// format, optional human-readable console output, and a hook that tags
// every event with a Google Cloud Logging severity so log lines ingested
// there sort and filter correctly.
func SetupLogger(version string, level zerolog.Level, human bool) {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(level)

	if human {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	log.Logger = log.Logger.Hook(googleSeverityHook{})
	log.Logger = log.With().
		Str("version", version).
		Str("goversion", runtime.Version()).
		Logger()
}

type googleSeverityHook struct{}

func (h googleSeverityHook) Run(e *zerolog.Event, level zerolog.Level, _ string) {
	e.Str("severity", levelToSeverity(level).String())
}

// converts zerolog level to google's severity.
func levelToSeverity(level zerolog.Level) logging.Severity {
	switch level {
	case zerolog.DebugLevel:
		return logging.Debug
	case zerolog.WarnLevel:
		return logging.Warning
	case zerolog.ErrorLevel:
		return logging.Error
	case zerolog.FatalLevel:
		return logging.Alert
	case zerolog.PanicLevel:
		return logging.Emergency
	default:
		return logging.Info
	}
}

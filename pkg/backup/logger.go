package backup

import (
	"github.com/rs/zerolog"

	"github.com/woliveiras/pibackup/pkg/logging"
)

var logSink *zerolog.Logger

// SetLogger allows callers/tests to inject a custom logger (or zerolog.Nop())
// instead of the global one. Passing nil resets to the global logger.
func SetLogger(l *zerolog.Logger) {
	logSink = l
}

func componentLogger(component string) zerolog.Logger {
	if logSink != nil {
		return logSink.With().Str("component", component).Logger()
	}
	return logging.GetLogger(component)
}

// Package log provides structured logging for usbtrackd, backed by zerolog.
// Call sites pass alternating key/value pairs after the message.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger = zerolog.New(consoleWriter()).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
}

// Configure sets the global log level and output format.
// Level is one of trace, debug, info, warn, error. Format is "console" or "json".
func Configure(level, format string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if format != "json" {
		out = consoleWriter()
	}

	logger = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

func Trace(msg string, kv ...interface{}) { emit(logger.Trace(), msg, kv) }
func Debug(msg string, kv ...interface{}) { emit(logger.Debug(), msg, kv) }
func Info(msg string, kv ...interface{})  { emit(logger.Info(), msg, kv) }
func Warn(msg string, kv ...interface{})  { emit(logger.Warn(), msg, kv) }
func Error(msg string, kv ...interface{}) { emit(logger.Error(), msg, kv) }

func emit(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

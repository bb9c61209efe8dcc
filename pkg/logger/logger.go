package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	White  = "\033[37m"
)

func Colorize(color, text string) string {
	return color + text + Reset
}

func newConsoleWriter() zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	cw.FormatLevel = func(i interface{}) string {
		if i == nil {
			return ""
		}
		s, ok := i.(string)
		if !ok {
			return ""
		}
		switch strings.ToLower(s) {
		case "debug":
			return Colorize(Blue, strings.ToUpper(s)) + ":"
		case "info":
			return Colorize(Green, strings.ToUpper(s)) + ":"
		case "warn":
			return Colorize(Yellow, strings.ToUpper(s)) + ":"
		case "error":
			return Colorize(Red, strings.ToUpper(s)) + ":"
		case "fatal":
			return Colorize(Red, strings.ToUpper(s)) + ":"
		default:
			return Colorize(White, strings.ToUpper(s)) + ":"
		}
	}

	cw.FormatMessage = func(i interface{}) string {
		if i == nil {
			return ""
		}
		return Colorize(White, i.(string))
	}

	return cw
}

var baseLogger = zerolog.New(newConsoleWriter()).
	With().
	Timestamp().
	Logger()

// Configure replaces the base logger. format "json" writes one JSON object
// per line to w; anything else uses the colorized console writer.
func Configure(level, format string, w io.Writer) {
	var out io.Writer = newConsoleWriter()
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		if w == nil {
			w = os.Stdout
		}
		out = w
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	baseLogger = zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "connector-orchestrator").
		Logger()
}

func Debug() *zerolog.Event {
	return baseLogger.Debug()
}

func Info() *zerolog.Event {
	return baseLogger.Info()
}

func Warn() *zerolog.Event {
	return baseLogger.Warn()
}

func Error() *zerolog.Event {
	return baseLogger.Error()
}

func Fatal() *zerolog.Event {
	return baseLogger.Fatal()
}

func WithError(err error) *zerolog.Event {
	return baseLogger.Error().Err(err)
}

func WithFields(fields map[string]interface{}) *zerolog.Event {
	event := baseLogger.Info()
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	return event
}

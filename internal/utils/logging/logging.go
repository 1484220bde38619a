package logging

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var current atomic.Pointer[Logger]

func init() {
	current.Store(NewLogger(&LogOptions{
		Level:  "info",
		Format: "text",
	}))
}

// LogOptions configures the behavior of the logging system.
type LogOptions struct {
	Level  string    // Log level (e.g., "debug", "info", "warn", "error") default "info"
	Format string    // Format is the output format of the logs (e.g., "json", "text")
	Output io.Writer // Output defaults to os.Stderr
}

// SetOptions replaces the process-wide logger.
func SetOptions(opts *LogOptions) {
	current.Store(NewLogger(opts))
}

// Log returns the process-wide logger.
func Log() *Logger {
	return current.Load()
}

func Info(msg string, keyValues ...interface{}) {
	Log().LogInfo(msg, keyValues...)
}

func Debug(msg string, keyValues ...interface{}) {
	Log().LogDebug(msg, keyValues...)
}

func Warn(msg string, keyValues ...interface{}) {
	Log().LogWarn(msg, keyValues...)
}

func Error(err error, msg string, keyValues ...interface{}) {
	Log().LogError(err, msg, keyValues...)
}

func Fatal(err error, msg string, keyValues ...interface{}) {
	Log().LogFatal(err, msg, keyValues...)
}

// DebugEnabled reports whether debug events would be written.
func DebugEnabled() bool {
	return Log().logger.Debug().Enabled()
}

// Logger is a wrapper around zerolog.Logger providing a high-performance,
// configuration-driven logging utility.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger initializes and returns a new Logger instance based on the provided LogOptions.
// It configures the log level, output format (JSON/Console), and adds a timestamp.
func NewLogger(opts *LogOptions) *Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
		if opts.Level != "" {
			log.Warn().Str("config_level", opts.Level).Msg("Invalid log level configured, defaulting to Info.")
		}
	}

	// log calls below the global level are skipped without allocation
	zerolog.SetGlobalLevel(level)

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var output io.Writer
	if opts.Format == "json" {
		output = out
	} else {
		output = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	return &Logger{
		logger: zerolog.New(output).With().Timestamp().Logger(),
	}
}

// LogDebug records a debugging message.
// Key/value pairs are not processed unless debug is enabled.
func (l *Logger) LogDebug(msg string, keyValues ...interface{}) {
	if l.logger.Debug().Enabled() {
		l.logger.Debug().Fields(keyValues).Msg(msg)
	}
}

// LogInfo records informational messages about normal application flow.
func (l *Logger) LogInfo(msg string, keyValues ...interface{}) {
	l.logger.Info().Fields(keyValues).Msg(msg)
}

// LogWarn records messages about potential issues that do not immediately stop the application.
func (l *Logger) LogWarn(msg string, keyValues ...interface{}) {
	l.logger.Warn().Fields(keyValues).Msg(msg)
}

// LogError records messages about failures, including an explicit error object.
func (l *Logger) LogError(err error, msg string, keyValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keyValues).Msg(msg)
}

// LogFatal records a critical error and then exits the application with os.Exit(1).
func (l *Logger) LogFatal(err error, msg string, keyValues ...interface{}) {
	l.logger.Fatal().Err(err).Fields(keyValues).Msg(msg)
}

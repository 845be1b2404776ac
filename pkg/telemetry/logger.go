package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with engine-specific field helpers.
type Logger struct {
	zlog zerolog.Logger
}

// loggerContextKey is the context key for logger instances.
type loggerContextKey struct{}

// NewLogger creates a logger from the given configuration.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var writer io.Writer
	switch cfg.Output {
	case "stdout":
		writer = os.Stdout
	case "stderr", "":
		writer = os.Stderr
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		writer = file
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(writer).With().Timestamp().Logger().Level(parseLogLevel(cfg.Level))
	if cfg.EnableCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}, nil
}

// Zerolog exposes the underlying zerolog.Logger for components that
// take one directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// WithContext attaches the logger to the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext retrieves the logger from the context, falling back to a
// stderr logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithCluster adds a cluster_id field.
func (l *Logger) WithCluster(clusterID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("cluster_id", clusterID).Logger()}
}

// WithNode adds a node_id field.
func (l *Logger) WithNode(nodeID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("node_id", nodeID).Logger()}
}

// WithAction adds an action_id field.
func (l *Logger) WithAction(actionID string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("action_id", actionID).Logger()}
}

// WithError adds error context.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zlog: l.zlog.With().Err(err).Logger()}
}

// Debug logs a debug-level message.
func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }

// Debugf logs a formatted debug-level message.
func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }

// Info logs an info-level message.
func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }

// Infof logs a formatted info-level message.
func (l *Logger) Infof(format string, args ...interface{}) { l.zlog.Info().Msgf(format, args...) }

// Warn logs a warning-level message.
func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }

// Warnf logs a formatted warning-level message.
func (l *Logger) Warnf(format string, args ...interface{}) { l.zlog.Warn().Msgf(format, args...) }

// Error logs an error-level message.
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// Errorf logs a formatted error-level message.
func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Error().Msgf(format, args...) }

// Fatal logs a fatal-level message and exits.
func (l *Logger) Fatal(msg string) { l.zlog.Fatal().Msg(msg) }

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

package logger

import "context"

// LoggerContext accumulates attributes over the course of an operation so
// that later log lines carry everything learned so far.
type LoggerContext struct {
	logger *Logger
	attrs  []any
}

// NewLoggerContext wraps logger for incremental attribute collection.
func NewLoggerContext(logger *Logger) *LoggerContext {
	return &LoggerContext{logger: logger}
}

// Add appends key/value pairs that will be attached to every subsequent
// log call made through this context.
func (lc *LoggerContext) Add(args ...any) { lc.attrs = append(lc.attrs, args...) }

// Logger returns a Logger carrying the accumulated attributes.
func (lc *LoggerContext) Logger() *Logger { return lc.logger.With(lc.attrs...) }

func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelDebug, 3, msg, append(lc.attrs[:len(lc.attrs):len(lc.attrs)], args...)...)
}

func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelInfo, 3, msg, append(lc.attrs[:len(lc.attrs):len(lc.attrs)], args...)...)
}

func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelWarn, 3, msg, append(lc.attrs[:len(lc.attrs):len(lc.attrs)], args...)...)
}

func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.logger.write(ctx, LevelError, 3, msg, append(lc.attrs[:len(lc.attrs):len(lc.attrs)], args...)...)
}

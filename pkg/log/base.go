package log

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

func (l *BaseLogger) clone() *BaseLogger {
	nl := &BaseLogger{
		level:      l.level,
		fields:     make(Fields, len(l.fields)),
		formatter:  l.formatter,
		outputs:    l.outputs,
		redactKeys: l.redactKeys,
		sampler:    l.sampler,
	}
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	return nl
}

// derive returns a copy of the logger whose slog handler carries extra attrs.
func (l *BaseLogger) derive(extra Fields) *BaseLogger {
	nl := l.clone()
	for k, v := range extra {
		nl.fields[k] = v
	}
	nl.slogLogger = slog.New(nl.handler()).With(attrsToAny(attrsFromMap(nl.fields))...)
	return nl
}

func (l *BaseLogger) log(level Level, msg string, attrs []slog.Attr) {
	if l.level > level {
		return
	}
	l.slogLogger.LogAttrs(context.Background(), toSlogLevel(level), msg, attrs...)
}

// Debug logs at debug level.
func (l *BaseLogger) Debug(msg string, fields ...Field) {
	l.log(DebugLevel, msg, attrsFromFieldSlice(fields))
}

// Info logs at info level.
func (l *BaseLogger) Info(msg string, fields ...Field) {
	l.log(InfoLevel, msg, attrsFromFieldSlice(fields))
}

// Warn logs at warn level.
func (l *BaseLogger) Warn(msg string, fields ...Field) {
	l.log(WarnLevel, msg, attrsFromFieldSlice(fields))
}

// Error logs at error level.
func (l *BaseLogger) Error(msg string, fields ...Field) {
	l.log(ErrorLevel, msg, attrsFromFieldSlice(fields))
}

// Fatal logs at error level and exits the process.
func (l *BaseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, attrsFromFieldSlice(fields))
	os.Exit(1)
}

// Debugf logs a formatted message at debug level.
func (l *BaseLogger) Debugf(msg string, args ...interface{}) {
	l.log(DebugLevel, sprintf(msg, args), nil)
}

// Infof logs a formatted message at info level.
func (l *BaseLogger) Infof(msg string, args ...interface{}) {
	l.log(InfoLevel, sprintf(msg, args), nil)
}

// Warnf logs a formatted message at warn level.
func (l *BaseLogger) Warnf(msg string, args ...interface{}) {
	l.log(WarnLevel, sprintf(msg, args), nil)
}

// Errorf logs a formatted message at error level.
func (l *BaseLogger) Errorf(msg string, args ...interface{}) {
	l.log(ErrorLevel, sprintf(msg, args), nil)
}

// Fatalf logs a formatted message and exits the process.
func (l *BaseLogger) Fatalf(msg string, args ...interface{}) {
	l.log(FatalLevel, sprintf(msg, args), nil)
	os.Exit(1)
}

// WithField returns a logger with one additional field.
func (l *BaseLogger) WithField(key string, value interface{}) Logger {
	return l.derive(Fields{key: value})
}

// WithFields returns a logger with the given fields merged in.
func (l *BaseLogger) WithFields(fields Fields) Logger {
	return l.derive(fields)
}

// WithError returns a logger carrying err under the "error" key.
func (l *BaseLogger) WithError(err error) Logger {
	f := Err(err)
	return l.derive(Fields{f.Key: f.Value})
}

// With returns a logger with the given fields attached to every entry.
func (l *BaseLogger) With(fields ...Field) Logger {
	extra := make(Fields, len(fields))
	for _, f := range fields {
		extra[f.Key] = f.Value
	}
	return l.derive(extra)
}

// WithContext copies well-known request values from ctx into the logger.
func (l *BaseLogger) WithContext(ctx context.Context) Logger {
	return l.derive(ContextExtractor(ctx))
}

// WithComponent tags the logger with a component name.
func (l *BaseLogger) WithComponent(component string) Logger {
	return l.derive(Fields{ComponentKey: component})
}

// SetLevel sets the minimum level.
func (l *BaseLogger) SetLevel(level Level) { l.level = level }

// GetLevel returns the minimum level.
func (l *BaseLogger) GetLevel() Level { return l.level }

func sprintf(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

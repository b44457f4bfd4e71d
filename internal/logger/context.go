package logger

import (
	"context"
	"sync/atomic"
)

type ctxKey struct{}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(nil))
}

// GetDefault returns the process default logger.
func GetDefault() *Logger {
	return defaultLogger.Load()
}

// SetDefaultLogger replaces the logger used when a context carries none.
// A nil l is ignored.
func SetDefaultLogger(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// WithContext returns ctx carrying l.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger carried by ctx, or the default logger.
func FromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
			return l
		}
	}
	return GetDefault()
}

// WithField returns ctx whose logger carries one more field.
func WithField(ctx context.Context, key string, value interface{}) context.Context {
	return FromContext(ctx).WithField(key, value).WithContext(ctx)
}

// WithFields returns ctx whose logger carries fields.
func WithFields(ctx context.Context, fields Fields) context.Context {
	return FromContext(ctx).WithFields(fields).WithContext(ctx)
}

func SetRequestID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldRequestID, id)
}

func SetJobID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldJobID, id)
}

func SetComponent(ctx context.Context, name string) context.Context {
	return WithField(ctx, FieldComponent, name)
}

func SetUserID(ctx context.Context, id string) context.Context {
	return WithField(ctx, FieldUserID, id)
}

// SetModelVersion tags every later line with the served artifact version.
func SetModelVersion(ctx context.Context, version string) context.Context {
	return WithField(ctx, FieldModelVersion, version)
}

// fieldString returns a string field of the context logger, or "".
func fieldString(ctx context.Context, key string) string {
	s, _ := FromContext(ctx).Data[key].(string)
	return s
}

// GetRequestID returns the request id carried by ctx.
func GetRequestID(ctx context.Context) string {
	return fieldString(ctx, FieldRequestID)
}

// CtxDebug logs at debug level with the fields carried by ctx.
func CtxDebug(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Debugf(format, args...)
}

// CtxInfo logs at info level with the fields carried by ctx.
func CtxInfo(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Infof(format, args...)
}

// CtxWarn logs at warn level with the fields carried by ctx.
func CtxWarn(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Warnf(format, args...)
}

// CtxError logs at error level with the fields carried by ctx.
func CtxError(ctx context.Context, format string, args ...interface{}) {
	FromContext(ctx).Errorf(format, args...)
}

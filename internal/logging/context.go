package logging

import "context"

type contextKey struct{}

// WithContext attaches a logger to the context.
func WithContext(ctx context.Context, logger Logger) context.Context {
	if IsNil(logger) {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the context logger, or the fallback when none is attached.
func FromContext(ctx context.Context, fallback Logger) Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(contextKey{}).(Logger); ok && !IsNil(logger) {
			return logger
		}
	}
	return OrNop(fallback)
}

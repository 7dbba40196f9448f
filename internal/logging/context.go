package logging

import (
	"context"
	"log/slog"
)

type loggerContextKey struct{}

// FromContext returns the logger stored in ctx, or the default logger tagged as a fallback
func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerContextKey{}).(*slog.Logger)
	if !ok || logger == nil {
		return slog.Default().With(slog.String("logger", "fallback"))
	}
	return logger
}

func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

func AddMetaToContext(ctx context.Context, args ...slog.Attr) context.Context {
	logger := FromContext(ctx)

	anySlice := make([]any, len(args))
	for i, arg := range args {
		anySlice[i] = arg
	}

	return AddToContext(ctx, logger.With(anySlice...))
}

// WithComponent scopes the logger in ctx to a named component
func WithComponent(ctx context.Context, component string) context.Context {
	return AddMetaToContext(ctx, slog.String("component", component))
}

package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// NewTraceHandler wraps a slog.Handler and adds the active trace and span ids to records
//
// NOTE: Requires the use of the *Context slog methods to get the tracing info
func NewTraceHandler(baseHandler slog.Handler) *traceHandler {
	return &traceHandler{base: baseHandler}
}

type traceHandler struct {
	base slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
			slog.Bool("trace_sampled", sc.TraceFlags().IsSampled()),
		)
	}
	return h.base.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewTraceHandler(h.base.WithAttrs(attrs))
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return NewTraceHandler(h.base.WithGroup(name))
}

var _ slog.Handler = (*traceHandler)(nil)

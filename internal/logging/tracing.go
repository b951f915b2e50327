package logging

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type traceAttrsFunc func(sc trace.SpanContext) []slog.Attr

// NewTraceHandler returns a slog.Handler that links records to the span in
// their context. With a Google Cloud project the fields use the names Cloud
// Logging recognizes, otherwise plain trace_id and span_id are added.
//
// Records at error level or above are also added to a recording span as events.
//
// NOTE: Requires the use of the *Context slog methods to get the tracing info
func NewTraceHandler(baseHandler slog.Handler, project string) slog.Handler {
	return &traceHandler{base: baseHandler, traceAttrs: traceAttrsFor(project)}
}

func traceAttrsFor(project string) traceAttrsFunc {
	if project == "" {
		return func(sc trace.SpanContext) []slog.Attr {
			return []slog.Attr{
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			}
		}
	}

	// https://docs.cloud.google.com/logging/docs/agent/logging/configuration#special-fields
	tracePrefix := fmt.Sprintf("projects/%s/traces/", project)
	return func(sc trace.SpanContext) []slog.Attr {
		return []slog.Attr{
			slog.String("logging.googleapis.com/trace", tracePrefix+sc.TraceID().String()),
			slog.String("logging.googleapis.com/spanId", sc.SpanID().String()),
			slog.Bool("logging.googleapis.com/trace_sampled", sc.TraceFlags().IsSampled()),
		}
	}
}

type traceHandler struct {
	base       slog.Handler
	traceAttrs traceAttrsFunc
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return h.base.Handle(ctx, r)
	}

	if r.Level >= slog.LevelError && span.IsRecording() {
		span.AddEvent(r.Message, trace.WithAttributes(eventAttrs(r)...))
	}

	r = r.Clone()
	r.AddAttrs(h.traceAttrs(sc)...)
	return h.base.Handle(ctx, r)
}

func eventAttrs(r slog.Record) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, r.NumAttrs()+1)
	attrs = append(attrs, attribute.String("log.severity", r.Level.String()))
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, attribute.String(a.Key, a.Value.String()))
		return true
	})
	return attrs
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{base: h.base.WithAttrs(attrs), traceAttrs: h.traceAttrs}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{base: h.base.WithGroup(name), traceAttrs: h.traceAttrs}
}

var _ slog.Handler = (*traceHandler)(nil)

package telemetry

import (
	"context"

	"pi-blocker/pkg/logging"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanLogExporter writes finished spans to the logger at debug level.
type spanLogExporter struct {
	logger *logging.Logger
}

func newSpanLogExporter(logger *logging.Logger) *spanLogExporter {
	return &spanLogExporter{logger: logger}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *spanLogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		sc := span.SpanContext()
		args := []any{
			"span", span.Name(),
			"trace_id", sc.TraceID().String(),
			"span_id", sc.SpanID().String(),
			"duration", span.EndTime().Sub(span.StartTime()),
			"status", span.Status().Code.String(),
		}
		if parent := span.Parent(); parent.IsValid() {
			args = append(args, "parent_id", parent.SpanID().String())
		}
		for _, kv := range span.Attributes() {
			args = append(args, string(kv.Key), kv.Value.Emit())
		}
		if desc := span.Status().Description; desc != "" {
			args = append(args, "error", desc)
		}
		e.logger.DebugContext(ctx, "Span finished", args...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *spanLogExporter) Shutdown(context.Context) error {
	return nil
}

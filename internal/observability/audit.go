package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Audit writes one structured line for a session-affecting transition.
func Audit(ctx context.Context, event string, attrs ...any) {
	base := []any{"event", event}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		base = append(base, "trace_id", sc.TraceID().String())
	}
	base = append(base, attrs...)
	slog.InfoContext(ctx, "audit", base...)
}

package mcp

import (
	"context"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// withTraceMeta propagates the span in ctx to the server through the
// params "_meta" field. params is returned unchanged when there is
// nothing to propagate, and allocated when it is nil and there is.
func withTraceMeta(ctx context.Context, params map[string]any) map[string]any {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return params
	}

	out := make(map[string]any, len(params)+1)
	maps.Copy(out, params)
	out["_meta"] = map[string]string(carrier)
	return out
}

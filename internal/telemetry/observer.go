// Package telemetry records tool discovery into OpenTelemetry and wires
// the process tracer provider.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/devkit/internal/mcp"
	"github.com/nugget/devkit/internal/toolcache"
)

// Instrumentation scope name for the meter and tracer.
const ScopeName = "github.com/nugget/devkit/internal/toolcache"

// Outcome attribute values.
const (
	outcomeOK     = "ok"
	outcomeFailed = "failed"
)

// DiscoveryObserver turns tool cache notifications into metrics and a
// "discovery.fetch" span per attempt.
type DiscoveryObserver struct {
	tracer trace.Tracer

	fetches      metric.Int64Counter
	unconfigured metric.Int64Counter
	duration     metric.Float64Histogram
}

// NewDiscoveryObserver creates an observer bound to meter and tracer. A
// nil tracer disables spans.
func NewDiscoveryObserver(meter metric.Meter, tracer trace.Tracer) (*DiscoveryObserver, error) {
	fetches, err := meter.Int64Counter(
		"devkit.discovery.fetches",
		metric.WithDescription("Number of MCP tool discovery attempts"),
	)
	if err != nil {
		return nil, err
	}
	unconfigured, err := meter.Int64Counter(
		"devkit.discovery.unconfigured",
		metric.WithDescription("Number of tool lookups with no MCP server configured"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram(
		"devkit.discovery.duration",
		metric.WithDescription("MCP tool discovery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DiscoveryObserver{
		tracer:       tracer,
		fetches:      fetches,
		unconfigured: unconfigured,
		duration:     duration,
	}, nil
}

// FetchStarted opens the attempt span.
func (o *DiscoveryObserver) FetchStarted(ctx context.Context, desc mcp.ServerDescriptor, attemptID string) context.Context {
	if o == nil || o.tracer == nil {
		return ctx
	}
	ctx, _ = o.tracer.Start(ctx, "discovery.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mcp.server", desc.ID),
			attribute.String("mcp.command", desc.Command),
			attribute.String("attempt_id", attemptID),
		),
	)
	return ctx
}

// FetchFinished records the attempt outcome and ends the span started
// by FetchStarted.
func (o *DiscoveryObserver) FetchFinished(ctx context.Context, desc mcp.ServerDescriptor, tools int, err error, elapsed time.Duration) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server", desc.ID),
		attribute.String("outcome", outcomeOK),
	}
	if err != nil {
		attrs[1] = attribute.String("outcome", outcomeFailed)
		attrs = append(attrs, attribute.String("error_kind", string(mcp.Classify(err))))
	}

	options := metric.WithAttributes(attrs...)
	o.fetches.Add(ctx, 1, options)
	o.duration.Record(ctx, elapsed.Seconds(), options)

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(attribute.Int("mcp.tools", tools))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(mcp.Classify(err)))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Unconfigured counts a lookup that found no server configured.
func (o *DiscoveryObserver) Unconfigured(ctx context.Context) {
	if o == nil {
		return
	}
	o.unconfigured.Add(ctx, 1)
}

var _ toolcache.Observer = (*DiscoveryObserver)(nil)

// Package otel wires the process event bus to OpenTelemetry tracing. Spans
// are keyed by request ID, so the engine and transports stay free of tracing
// concerns.
package otel

import (
	"context"
	"sync"
	"time"

	eventbus "github.com/hanpama/lazygraph/internal/eventbus"
	events "github.com/hanpama/lazygraph/internal/events"
	reqid "github.com/hanpama/lazygraph/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Setup configures an OTLP trace exporter and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("lazygraph")}
	sub.register()

	return tp.Shutdown, nil
}

type subscriber struct {
	tracer       trace.Tracer
	httpSpans    sync.Map // rid -> trace.Span
	resolveSpans sync.Map // rid -> trace.Span
}

// parent returns ctx bound to the innermost live span for the request.
func (s *subscriber) parent(ctx context.Context, rid string) context.Context {
	if v, ok := s.resolveSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	if v, ok := s.httpSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

// completed records a span for work that already happened, back-dating the
// start so the span length matches the measured duration.
func (s *subscriber) completed(ctx context.Context, rid, name string, d time.Duration, attrs ...attribute.KeyValue) trace.Span {
	_, span := s.tracer.Start(s.parent(ctx, rid), name,
		trace.WithTimestamp(time.Now().Add(-d)))
	span.SetAttributes(attrs...)
	return span
}

func (s *subscriber) register() {
	eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
		rid, _ := reqid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "http.request")
		span.SetAttributes(
			semconv.HTTPMethodKey.String(e.Request.Method),
			attribute.String("http.target", e.Request.URL.Path),
		)
		s.httpSpans.Store(rid, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.httpSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(
			semconv.HTTPStatusCodeKey.Int(e.Status),
			attribute.Int64("http.response.body.size", e.Bytes),
		)
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.ResolveStart) {
		rid, _ := reqid.FromContext(ctx)
		parent := ctx
		if v, ok := s.httpSpans.Load(rid); ok {
			parent = trace.ContextWithSpan(ctx, v.(trace.Span))
		}
		_, span := s.tracer.Start(parent, "graphql.resolve")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.operation.type", e.OperationType),
		)
		s.resolveSpans.Store(rid, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.ResolveFinish) {
		rid, _ := reqid.FromContext(ctx)
		v, ok := s.resolveSpans.LoadAndDelete(rid)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("graphql.error_count", len(e.Errors)))
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.PassFinish) {
		rid, _ := reqid.FromContext(ctx)
		s.completed(ctx, rid, "graphql.pass", e.Duration,
			attribute.Int("graphql.pass.number", e.Pass),
			attribute.Int("graphql.pass.suspended", e.Suspended),
		).End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.BatchFlush) {
		rid, _ := reqid.FromContext(ctx)
		span := s.completed(ctx, rid, "batch.flush", e.Duration,
			attribute.String("loader.source", e.Source),
			attribute.String("loader.op", e.Op),
			attribute.String("loader.extra", e.Extra),
			attribute.Int("loader.keys", e.Keys),
		)
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionPublish) {
		rid, _ := reqid.FromContext(ctx)
		s.completed(ctx, rid, "subscription.publish", e.Duration,
			attribute.String("messaging.destination.name", e.Topic),
			attribute.Int("messaging.subscribers", e.Subscribers),
		).End()
	})

	// Loader calls run concurrently during a flush, so their spans are
	// recorded whole at finish time instead of tracked per request ID.
	eventbus.Subscribe(func(ctx context.Context, e events.GRPCClientFinish) {
		rid, _ := reqid.FromContext(ctx)
		span := s.completed(ctx, rid, "grpc.client", e.Duration,
			semconv.RPCServiceKey.String(e.Service),
			semconv.RPCMethodKey.String(e.Method),
			attribute.String("net.peer.name", e.Target),
			attribute.String("grpc.code", e.Code.String()),
		)
		if e.Err != nil {
			span.RecordError(e.Err)
		}
		span.End()
	})
}

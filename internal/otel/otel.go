package otel

import (
	"context"
	"sync"

	"github.com/hanpama/conductor/eventbus"
	"github.com/hanpama/conductor/events"
	"github.com/hanpama/conductor/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers to bus.
// If endpoint is empty, no telemetry is configured.
func Setup(ctx context.Context, bus *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
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

	detach := Attach(bus, tp.Tracer("conductor"))
	return func(ctx context.Context) error {
		detach()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach subscribes span producing handlers to bus and returns a function
// removing them. Spans nest as request > stage > data object > client call;
// a client call made outside a data object hangs off the stage.
func Attach(bus *eventbus.Bus, tracer trace.Tracer) (detach func()) {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

type subscriber struct {
	tracer      trace.Tracer
	httpSpans   sync.Map // rid -> trace.Span
	stageSpans  sync.Map // rid -> trace.Span
	dataSpans   sync.Map // rid/label -> trace.Span
	clientSpans sync.Map // rid/label/method/target/path -> trace.Span
}

func (s *subscriber) parent(ctx context.Context, rid string, maps ...*sync.Map) context.Context {
	for _, m := range maps {
		if v, ok := m.Load(rid); ok {
			return trace.ContextWithSpan(ctx, v.(trace.Span))
		}
	}
	return ctx
}

func end(m *sync.Map, key string, err error, attrs ...attribute.KeyValue) {
	v, ok := m.LoadAndDelete(key)
	if !ok {
		return
	}
	span := v.(trace.Span)
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
				attribute.String("conductor.name", e.Conductor),
			)
			s.httpSpans.Store(rid, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			end(&s.httpSpans, rid, e.Err, attribute.String("conductor.final", e.Conductor))
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.StageStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid, &s.httpSpans), "conductor.stage")
			span.SetAttributes(
				attribute.String("conductor.name", e.Conductor),
				attribute.Int("conductor.stage.key", e.Key),
				attribute.String("conductor.stage.label", e.Label),
			)
			s.stageSpans.Store(rid, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.StageFinish) {
			rid, _ := reqid.FromContext(ctx)
			end(&s.stageSpans, rid, e.Err, attribute.String("conductor.stage.outcome", e.Outcome))
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.Shard) {
			rid, _ := reqid.FromContext(ctx)
			if v, ok := s.httpSpans.Load(rid); ok {
				v.(trace.Span).AddEvent("conductor.shard", trace.WithAttributes(
					attribute.String("from", e.From),
					attribute.String("to", e.To),
					attribute.String("hint", e.Hint),
					attribute.Int("key", e.Key),
				))
			}
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.DataStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid, &s.stageSpans, &s.httpSpans), "conductor.data")
			span.SetAttributes(
				attribute.String("data.name", e.Name),
				attribute.String("data.label", e.Label),
			)
			s.dataSpans.Store(rid+"/"+e.Label, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.DataFinish) {
			rid, _ := reqid.FromContext(ctx)
			end(&s.dataSpans, rid+"/"+e.Label, e.Err, attribute.Bool("data.fallback", e.Fallback))
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.ClientStart) {
			rid, _ := reqid.FromContext(ctx)
			parent := s.parent(ctx, rid, &s.stageSpans, &s.httpSpans)
			if v, ok := s.dataSpans.Load(rid + "/" + e.Label); ok && e.Label != "" {
				parent = trace.ContextWithSpan(ctx, v.(trace.Span))
			}
			_, span := s.tracer.Start(parent, "http.client")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Method),
				attribute.String("net.peer.name", e.Target),
				attribute.String("http.target", e.Path),
			)
			s.clientSpans.Store(clientKey(rid, e.Label, e.Method, e.Target, e.Path), span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.ClientFinish) {
			rid, _ := reqid.FromContext(ctx)
			end(&s.clientSpans, clientKey(rid, e.Label, e.Method, e.Target, e.Path), e.Err,
				semconv.HTTPStatusCodeKey.Int(e.Status))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func clientKey(rid, label, method, target, path string) string {
	return rid + "/" + label + "/" + method + "/" + target + path
}

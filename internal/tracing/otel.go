package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer names used across the runtime
const (
	TracerAgent        = "orbit.agent"
	TracerSession      = "orbit.session"
	TracerConversation = "orbit.conversation"
	TracerTools        = "orbit.tools"
	TracerQueue        = "orbit.commandqueue"
	TracerLLM          = "orbit.llm"
)

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// Span attributes copied from the tracing context
const (
	AttrSessionID = attribute.Key("orbit.session_id")
	AttrRunID     = attribute.Key("orbit.run_id")
	AttrTurnID    = attribute.Key("orbit.turn_id")
)

// WithSampleRatio samples the given fraction of root traces. Ratios outside
// (0, 1] sample everything.
func WithSampleRatio(ratio float64) sdktrace.TracerProviderOption {
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	return sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)))
}

// InitOpenTelemetry installs the process-wide tracer provider. Only the first
// call has an effect; opts are applied after the defaults.
func InitOpenTelemetry(serviceName string, opts ...sdktrace.TracerProviderOption) error {
	providerOnce.Do(func() {
		res, err := resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(serviceName),
			),
		)
		if err != nil {
			providerErr = err
			return
		}

		opts = append([]sdktrace.TracerProviderOption{
			WithSampleRatio(1),
			sdktrace.WithResource(res),
		}, opts...)
		tp := sdktrace.NewTracerProvider(opts...)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()

		otel.SetTracerProvider(tp)
	})

	return providerErr
}

// ShutdownOpenTelemetry flushes and shuts down the global tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span tagged with the session, run and turn ids found in
// ctx. When ctx has no trace id yet, the span's id becomes the trace id.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	if id := GetSessionID(ctx); id != "" {
		attrs = append(attrs, AttrSessionID.String(id))
	}
	if id := GetRunID(ctx); id != "" {
		attrs = append(attrs, AttrRunID.String(id))
	}
	if id := GetTurnID(ctx); id != "" {
		attrs = append(attrs, AttrTurnID.String(id))
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		sc := span.SpanContext()
		if sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}

	return ctx, span
}

// RecordError marks the span as failed
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Package traces wires OpenTelemetry tracing. Without an OTLP endpoint the
// global no-op provider stays in place and spans cost nothing.
package traces

import (
	"context"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/doseal/agentwallet"

// Options configures the exporter.
type Options struct {
	Endpoint    string  // OTLP gRPC host:port; empty disables export
	Insecure    bool    // plaintext gRPC
	SampleRatio float64 // fraction of root spans kept; <= 0 or > 1 keeps all
}

// Shutdown flushes and stops the provider.
type Shutdown func(context.Context) error

// Init installs a batching OTLP provider as the global tracer provider.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (Shutdown, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(opts.Endpoint)}
	if opts.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, clientOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("agentwallet"),
		semconv.ServiceVersion(buildVersion()),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}

// StartSpan starts a span on the service tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks span failed with err. A nil err is a no-op.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

var (
	keyBusiness  = attribute.Key("business.id")
	keyAgent     = attribute.Key("agent.id")
	keyHold      = attribute.Key("hold.id")
	keyAmount    = attribute.Key("amount")
	keyReference = attribute.Key("reference")
	keyIdem      = attribute.Key("idempotency.key")
	keyLeg       = attribute.Key("callback.leg")
	keyStatus    = attribute.Key("callback.status_code")
)

func BusinessID(id string) attribute.KeyValue { return keyBusiness.String(id) }
func AgentID(id string) attribute.KeyValue { return keyAgent.String(id) }
func HoldID(id string) attribute.KeyValue { return keyHold.String(id) }
func Amount(amount string) attribute.KeyValue { return keyAmount.String(amount) }
func Reference(ref string) attribute.KeyValue { return keyReference.String(ref) }
func IdempotencyKey(key string) attribute.KeyValue { return keyIdem.String(key) }
func CallbackLeg(leg string) attribute.KeyValue { return keyLeg.String(leg) }
func StatusCode(code int) attribute.KeyValue { return keyStatus.Int(code) }

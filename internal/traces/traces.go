// Package traces provides OpenTelemetry distributed tracing for the trust engine.
package traces

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/trustgate"
	serviceName = "trustgate"
)

// Options configures the OTLP exporter.
type Options struct {
	Endpoint    string  // OTLP gRPC host:port; empty disables tracing
	Version     string  // reported as service.version
	SampleRatio float64 // fraction of root traces kept; values outside (0,1) keep all
}

// Init installs a global tracer provider exporting over OTLP gRPC and
// returns its shutdown function. Sampling follows the parent span when one
// arrives with the request.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler returns a parent-based ratio sampler. Ratios outside (0,1) sample
// every root span.
func Sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Fail records err on span and marks the span as errored.
func Fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// StartSpan starts an internal span carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func UserID(id string) attribute.KeyValue {
	return attribute.String("user.id", id)
}

func ActionID(id string) attribute.KeyValue {
	return attribute.String("action.id", id)
}

func ActionKind(kind string) attribute.KeyValue {
	return attribute.String("action.kind", kind)
}

func ChallengeID(id string) attribute.KeyValue {
	return attribute.String("challenge.id", id)
}

func Decision(d string) attribute.KeyValue {
	return attribute.String("trust.decision", d)
}

func Score(s float64) attribute.KeyValue {
	return attribute.Float64("trust.score", s)
}

func Outcome(o string) attribute.KeyValue {
	return attribute.String("challenge.outcome", o)
}

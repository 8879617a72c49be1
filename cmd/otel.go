package cmd

import (
	"context"
	"io"

	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// setupOTelSDK bootstraps the tracing pipeline. Metrics are bridged
// separately through pkg/prometheus from within the serve command, since
// a Prometheus gatherer is only meaningful once mounted on the HTTP
// server; there is no OpenTelemetry log pipeline since every package
// logs through zerolog or log15 directly.
func setupOTelSDK(_ context.Context, cmd *cli.Command, res *resource.Resource) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(newPropagator())

	traceProvider, err := newTraceProvider(cmd.Bool("otel-enabled"), res)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(traceProvider)

	return traceProvider.Shutdown, nil
}

func newPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

func newTraceProvider(enabled bool, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		traceExporter sdktrace.SpanExporter
		err           error
	)

	if enabled {
		traceExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	} else {
		traceExporter, err = stdouttrace.New(stdouttrace.WithWriter(io.Discard))
	}

	if err != nil {
		return nil, err
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	), nil
}

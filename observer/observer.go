// Package observer provides OTEL-based observability for tandem loops.
//
// It wraps a StreamingAgent with an instrumented version that emits traces,
// metrics, and logs via OpenTelemetry, and supplies a tandem.Tracer so the
// loop's run, turn, and tool spans land in the same trace. Users export to
// any OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/tandemloop/tandem/observer"

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TokenUsage     metric.Int64Counter
	GenRequests    metric.Int64Counter
	RunExecutions  metric.Int64Counter
	RunForks       metric.Int64Counter
	ToolExecutions metric.Int64Counter

	// Histograms
	GenDuration  metric.Float64Histogram
	RunDuration  metric.Float64Histogram
	TurnsPerRun  metric.Int64Histogram
	StreamChunks metric.Int64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("tandem")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("loop.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	genRequests, err := meter.Int64Counter("loop.generation.requests",
		metric.WithDescription("Provider generation request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	runExecutions, err := meter.Int64Counter("loop.runs",
		metric.WithDescription("Run execution count"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	runForks, err := meter.Int64Counter("loop.run.forks",
		metric.WithDescription("Runs forked by injected input"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("loop.tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	genDuration, err := meter.Float64Histogram("loop.generation.duration",
		metric.WithDescription("Provider generation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("loop.run.duration",
		metric.WithDescription("Run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	turnsPerRun, err := meter.Int64Histogram("loop.run.turns",
		metric.WithDescription("Turns taken per run"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	streamChunks, err := meter.Int64Histogram("loop.generation.chunks",
		metric.WithDescription("Messages streamed per generation"),
		metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         tracer,
		Meter:          meter,
		Logger:         logger,
		TokenUsage:     tokenUsage,
		GenRequests:    genRequests,
		RunExecutions:  runExecutions,
		RunForks:       runForks,
		ToolExecutions: toolExecutions,
		GenDuration:    genDuration,
		RunDuration:    runDuration,
		TurnsPerRun:    turnsPerRun,
		StreamChunks:   streamChunks,
	}, nil
}

package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	tracetype "go.opentelemetry.io/otel/trace"
)

// Providers owns the process-wide OTel trace, meter, and log providers.
// Setup installs them as the otel globals; Shutdown flushes all three.
type Providers struct {
	traces *trace.TracerProvider
	meter  *sdkmetric.MeterProvider
	logs   *sdklog.LoggerProvider
}

// Setup wires tracing to a stdout exporter, metrics to a Prometheus
// reader, and logs to a batched stdout exporter, all tagged with the
// given service name.
func Setup(serviceName string) (*Providers, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceExp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExp),
		trace.WithResource(res),
	)

	promReader, err := prometheus.New()
	if err != nil {
		tp.Shutdown(context.Background())
		return nil, fmt.Errorf("prometheus reader: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promReader),
		sdkmetric.WithResource(res),
	)

	logExp, err := stdoutlog.New(stdoutlog.WithPrettyPrint())
	if err != nil {
		tp.Shutdown(context.Background())
		mp.Shutdown(context.Background())
		return nil, fmt.Errorf("log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	global.SetLoggerProvider(lp)

	return &Providers{traces: tp, meter: mp, logs: lp}, nil
}

// Shutdown flushes every provider, collecting errors rather than
// stopping at the first one.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.traces.Shutdown(ctx),
		p.meter.Shutdown(ctx),
		p.logs.Shutdown(ctx),
	)
}

// GetMeter returns a meter from the installed global provider.
func GetMeter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer from the installed global provider.
func GetTracer(name string) tracetype.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

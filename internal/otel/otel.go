// Package otel wires OpenTelemetry tracing and metrics for the relay.
// When disabled every provider is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "gorelay"
	MeterName  = "gorelay"
	// Version is reported as a resource attribute.
	Version = "v0.1-dev"
)

// Exporters accepted by Config.Exporter.
const (
	ExporterOTLP   = "otlp-http"
	ExporterFile   = "file"   // JSON spans in <home>/logs/traces.jsonl
	ExporterStdout = "stdout" // pretty JSON spans; unusable with the dashboard
	ExporterNone   = "none"   // spans are recorded but never leave the process
)

type Config struct {
	Enabled  bool
	Exporter string
	// Endpoint is host:port for plain HTTP, or a full http(s):// URL.
	Endpoint    string
	ServiceName string
	SampleRate  float64
	// HomeDir anchors the file exporter.
	HomeDir string
	// DriverMode is recorded on the resource so traces from cli, stdio and
	// acp deployments can be told apart.
	DriverMode string
}

// Provider bundles what the rest of the relay needs from OTel.
type Provider struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	tracing bool
	closers []func(context.Context) error
}

// Tracing reports whether spans are being recorded.
func (p *Provider) Tracing() bool { return p.tracing }

// Init builds the providers for cfg. The returned Provider must be Shutdown.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			Tracer: nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:  noop.NewMeterProvider().Meter(MeterName),
		}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{tracing: true}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	}
	exporter, closeExporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	p.closers = append(p.closers, tp.Shutdown)
	if closeExporter != nil {
		p.closers = append(p.closers, func(context.Context) error { return closeExporter.Close() })
	}

	// Metrics are in-process only.
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	p.closers = append(p.closers, mp.Shutdown)

	p.Tracer = tp.Tracer(TracerName)
	p.Meter = mp.Meter(MeterName)
	return p, nil
}

// Shutdown flushes pending spans and releases exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c(ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "gorelay"
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(Version),
	}
	if cfg.DriverMode != "" {
		attrs = append(attrs, AttrMode.String(cfg.DriverMode))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
}

func newSampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// newSpanExporter returns a nil exporter for ExporterNone. The closer, when
// set, owns a file the exporter writes to.
func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, io.Closer, error) {
	switch cfg.Exporter {
	case ExporterOTLP, "":
		return newOTLPExporter(ctx, cfg.Endpoint)
	case ExporterFile:
		if cfg.HomeDir == "" {
			return nil, nil, errors.New("file exporter needs a home directory")
		}
		dir := filepath.Join(cfg.HomeDir, "logs")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(filepath.Join(dir, "traces.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return exp, f, nil
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		return exp, nil, err
	case ExporterNone:
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown exporter %q (supported: %s, %s, %s, %s)",
			cfg.Exporter, ExporterOTLP, ExporterFile, ExporterStdout, ExporterNone)
	}
}

func newOTLPExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, io.Closer, error) {
	var opts []otlptracehttp.Option
	switch {
	case endpoint == "":
		// Leave it to OTEL_EXPORTER_OTLP_* or the library default.
	case strings.Contains(endpoint, "://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	default:
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	return exp, nil, err
}

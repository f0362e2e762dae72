package otel

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false, Exporter: "bogus"})
	if err != nil {
		t.Fatalf("disabled init must ignore exporter settings: %v", err)
	}
	if p.Tracing() {
		t.Fatal("disabled provider reports tracing")
	}
	_, span := p.Tracer.Start(context.Background(), "turn")
	if span.SpanContext().IsValid() {
		t.Fatal("noop tracer produced a real span")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporterStillRecords(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone, DriverMode: "stdio"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if !p.Tracing() {
		t.Fatal("expected tracing")
	}
	_, span := p.Tracer.Start(context.Background(), "turn")
	defer span.End()
	if !span.SpanContext().IsValid() || !span.IsRecording() {
		t.Fatal("span not recorded")
	}
	if p.Meter == nil {
		t.Fatal("nil meter")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"})
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("err = %v", err)
	}
}

func TestInit_FileExporterWritesSpans(t *testing.T) {
	home := t.TempDir()
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    ExporterFile,
		HomeDir:     home,
		ServiceName: "relay-test",
		DriverMode:  "acp",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := StartServerSpan(context.Background(), p.Tracer, "gateway.inbound",
		AttrConversation.String("telegram:42"))
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	f, err := os.Open(filepath.Join(home, "logs", "traces.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var found bool
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if strings.Contains(line, "gateway.inbound") && strings.Contains(line, "telegram:42") && strings.Contains(line, "relay-test") {
			found = true
		}
	}
	if !found {
		t.Fatal("span not found in traces.jsonl")
	}
}

func TestInit_FileExporterNeedsHome(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterFile}); err == nil {
		t.Fatal("expected error without a home dir")
	}
}

func TestNewSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.5, "TraceIDRatioBased{0.5}"},
	}
	for _, tc := range tests {
		if got := newSampler(tc.rate).Description(); !strings.Contains(got, tc.want) {
			t.Errorf("rate %v: sampler %q, want it to mention %q", tc.rate, got, tc.want)
		}
	}
}

func TestSpanHelpersSetKind(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, internal := StartSpan(context.Background(), p.Tracer, "stream.pace", AttrTurnID.String("turn-1"))
	_, server := StartServerSpan(context.Background(), p.Tracer, "gateway.inbound")
	_, client := StartClientSpan(context.Background(), p.Tracer, "engine.turn", AttrMode.String("stdio"))
	tests := []struct {
		span trace.Span
		want trace.SpanKind
	}{
		{internal, trace.SpanKindInternal},
		{server, trace.SpanKindServer},
		{client, trace.SpanKindClient},
	}
	for _, tc := range tests {
		tc.span.End()
		ro, ok := tc.span.(sdktrace.ReadOnlySpan)
		if !ok {
			t.Fatalf("%T is not an sdk span", tc.span)
		}
		if ro.SpanKind() != tc.want {
			t.Errorf("%s: kind %v, want %v", ro.Name(), ro.SpanKind(), tc.want)
		}
	}
}

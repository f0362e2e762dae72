package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/go-relay/internal/bus"
)

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	// Recording against noop instruments must not panic.
	m.Record(context.Background(), bus.Event{Topic: bus.TopicTurnCompleted, Payload: bus.TurnEvent{Flushes: 2}})
}

func collect(t *testing.T, r *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := r.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data map[string]metricdata.Aggregation, name string) int64 {
	t.Helper()
	agg, ok := data[name]
	if !ok {
		t.Fatalf("metric %s not recorded", name)
	}
	sum, ok := agg.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %s is %T, want Sum[int64]", name, agg)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordBusEvents(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	events := []bus.Event{
		{Topic: bus.TopicTurnCompleted, Payload: bus.TurnEvent{Duration: 2 * time.Second, Flushes: 3}},
		{Topic: bus.TopicTurnFailed, Payload: bus.TurnEvent{Duration: time.Second, ErrorKind: "TIMEOUT", Flushes: 1}},
		{Topic: bus.TopicInboundRejected, Payload: bus.InboundRejectedEvent{Reason: "busy"}},
		{Topic: bus.TopicCronFired, Payload: bus.CronFiredEvent{JobID: "j1"}},
		{Topic: bus.TopicEngineState, Payload: bus.EngineStateEvent{Mode: "stdio", From: "TERMINATED", To: "STARTING"}},
		{Topic: bus.TopicEngineState, Payload: bus.EngineStateEvent{Mode: "stdio", From: "STARTING", To: "READY"}},
		{Topic: bus.TopicPersistenceDegraded, Payload: bus.PersistenceDegradedEvent{Operation: "bind"}},
		{Topic: bus.TopicSessionInvalidated, Payload: bus.SessionInvalidatedEvent{Reason: "user_reset"}},
		{Topic: "unknown", Payload: "ignored"},
	}
	for _, ev := range events {
		m.Record(ctx, ev)
	}

	data := collect(t, reader)
	checks := map[string]int64{
		"gorelay.turns":                2,
		"gorelay.stream.flushes":       4,
		"gorelay.inbound.rejects":      1,
		"gorelay.cron.fires":           1,
		"gorelay.engine.restarts":      1,
		"gorelay.persistence.failures": 1,
		"gorelay.sessions.invalidated": 1,
	}
	for name, want := range checks {
		if got := sumOf(t, data, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}

	turns := data["gorelay.turns"].(metricdata.Sum[int64])
	outcomes := map[string]int64{}
	for _, dp := range turns.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key("gorelay.turn.outcome"))
		outcomes[v.AsString()] += dp.Value
	}
	if outcomes["ok"] != 1 || outcomes["TIMEOUT"] != 1 {
		t.Fatalf("turn outcomes = %v", outcomes)
	}
}

func TestMetrics_ObserveStopsWithContext(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Observe(ctx, b)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("observer never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	b.Publish(bus.TopicCronFired, bus.CronFiredEvent{JobID: "j1"})

	for {
		data := collect(t, reader)
		if _, ok := data["gorelay.cron.fires"]; ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cron fire never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Observe did not return after cancel")
	}
	if b.SubscriberCount() != 0 {
		t.Fatal("Observe left its subscription behind")
	}
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/go-relay/internal/bus"
)

// Metrics holds the relay's metric instruments.
type Metrics struct {
	TurnDuration        metric.Float64Histogram
	Turns               metric.Int64Counter
	TurnFlushes         metric.Int64Counter
	InboundRejects      metric.Int64Counter
	CronFires           metric.Int64Counter
	EngineRestarts      metric.Int64Counter
	PersistenceFailures metric.Int64Counter
	SessionsInvalidated metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TurnDuration, err = meter.Float64Histogram("gorelay.turn.duration",
		metric.WithDescription("Agent turn duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Turns, err = meter.Int64Counter("gorelay.turns",
		metric.WithDescription("Turns completed, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.TurnFlushes, err = meter.Int64Counter("gorelay.stream.flushes",
		metric.WithDescription("Chunks delivered to channels"),
	)
	if err != nil {
		return nil, err
	}

	m.InboundRejects, err = meter.Int64Counter("gorelay.inbound.rejects",
		metric.WithDescription("Inbound messages rejected, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.CronFires, err = meter.Int64Counter("gorelay.cron.fires",
		metric.WithDescription("Scheduled jobs fired"),
	)
	if err != nil {
		return nil, err
	}

	m.EngineRestarts, err = meter.Int64Counter("gorelay.engine.restarts",
		metric.WithDescription("Agent process restarts"),
	)
	if err != nil {
		return nil, err
	}

	m.PersistenceFailures, err = meter.Int64Counter("gorelay.persistence.failures",
		metric.WithDescription("Durable writes that failed after retries"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsInvalidated, err = meter.Int64Counter("gorelay.sessions.invalidated",
		metric.WithDescription("Conversation sessions discarded, by reason"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Record updates the instruments for one bus event. Unknown topics are ignored.
func (m *Metrics) Record(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.TurnEvent:
		outcome := "ok"
		if p.ErrorKind != "" {
			outcome = p.ErrorKind
		}
		attrs := metric.WithAttributes(AttrOutcome.String(outcome))
		m.Turns.Add(ctx, 1, attrs)
		m.TurnDuration.Record(ctx, p.Duration.Seconds(), attrs)
		m.TurnFlushes.Add(ctx, int64(p.Flushes))
	case bus.InboundRejectedEvent:
		m.InboundRejects.Add(ctx, 1, metric.WithAttributes(AttrReason.String(p.Reason)))
	case bus.CronFiredEvent:
		m.CronFires.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("gorelay.cron.manual", p.Manual),
			attribute.Bool("gorelay.cron.failed", p.Error != ""),
		))
	case bus.EngineStateEvent:
		if p.From == "TERMINATED" && p.To == "STARTING" {
			m.EngineRestarts.Add(ctx, 1, metric.WithAttributes(AttrMode.String(p.Mode)))
		}
	case bus.PersistenceDegradedEvent:
		m.PersistenceFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("gorelay.persistence.op", p.Operation)))
	case bus.SessionInvalidatedEvent:
		m.SessionsInvalidated.Add(ctx, 1, metric.WithAttributes(AttrReason.String(p.Reason)))
	}
}

// Observe records every bus event until ctx is done.
func (m *Metrics) Observe(ctx context.Context, b *bus.Bus) {
	sub := b.SubscribeBuffered("", 256)
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			m.Record(ctx, ev)
		}
	}
}

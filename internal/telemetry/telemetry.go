// Package telemetry provides OpenTelemetry instrumentation shared by the
// broker, the worker loop, and the connection manager.
//
// Components receive an *Instruments and never touch the global providers
// directly; relayd installs stdout exporters through Setup when
// telemetry.enabled is set, and everything else records into no-op
// providers.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "relay"

// Outcome labels shared by the counters.
const (
	OutcomeOK          = "ok"
	OutcomeError       = "error"
	OutcomeTimeout     = "timeout"
	OutcomeUnavailable = "unavailable"
	OutcomeCanceled    = "canceled"
)

const (
	attrOutcome       = attribute.Key("relay.outcome")
	attrChannel       = attribute.Key("relay.channel")
	attrCorrelationID = attribute.Key("relay.correlation_id")
)

// Instruments bundles the tracer and metric instruments used by relay.
type Instruments struct {
	tracer trace.Tracer

	brokerRequests  metric.Int64Counter
	brokerDuration  metric.Float64Histogram
	brokerDiscarded metric.Int64Counter
	workerItems     metric.Int64Counter
	workerDuration  metric.Float64Histogram
	reconnects      metric.Int64Counter
}

// New creates instruments on the given providers. Nil providers fall back to
// the global ones.
func New(tp trace.TracerProvider, mp metric.MeterProvider) *Instruments {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(instrumentationName)
	ins := &Instruments{tracer: tp.Tracer(instrumentationName)}

	// Instrument constructors only fail on invalid names; a nil instrument is
	// skipped at record time.
	ins.brokerRequests, _ = meter.Int64Counter("relay.broker.requests",
		metric.WithUnit("{request}"),
		metric.WithDescription("Requests submitted through the broker by outcome"),
	)
	ins.brokerDuration, _ = meter.Float64Histogram("relay.broker.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Time from submit to correlated reply"),
	)
	ins.brokerDiscarded, _ = meter.Int64Counter("relay.broker.discarded_replies",
		metric.WithUnit("{reply}"),
		metric.WithDescription("Replies consumed by a waiter they did not belong to"),
	)
	ins.workerItems, _ = meter.Int64Counter("relay.worker.items",
		metric.WithUnit("{item}"),
		metric.WithDescription("Work items handled by outcome"),
	)
	ins.workerDuration, _ = meter.Float64Histogram("relay.worker.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Handler execution time"),
	)
	ins.reconnects, _ = meter.Int64Counter("relay.connection.reconnects",
		metric.WithUnit("{reconnect}"),
		metric.WithDescription("Transport re-establishment attempts by outcome"),
	)
	return ins
}

// Nop returns instruments that record nothing.
func Nop() *Instruments {
	return New(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
}

// OrNop returns ins, or no-op instruments when ins is nil.
func OrNop(ins *Instruments) *Instruments {
	if ins == nil {
		return Nop()
	}
	return ins
}

// StartSubmit opens the client span for one broker request.
func (i *Instruments) StartSubmit(ctx context.Context, correlationID, channel string) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, "relay.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attrCorrelationID.String(correlationID),
			attrChannel.String(channel),
		),
	)
}

// EndSubmit records the outcome of a broker request and ends its span.
func (i *Instruments) EndSubmit(ctx context.Context, span trace.Span, started time.Time, outcome string, err error) {
	attrs := metric.WithAttributes(attrOutcome.String(outcome))
	if i.brokerRequests != nil {
		i.brokerRequests.Add(ctx, 1, attrs)
	}
	if i.brokerDuration != nil {
		i.brokerDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	}
	endSpan(span, outcome, err)
}

// RecordDiscardedReply counts a reply that reached the wrong waiter.
func (i *Instruments) RecordDiscardedReply(ctx context.Context, channel string) {
	if i.brokerDiscarded != nil {
		i.brokerDiscarded.Add(ctx, 1, metric.WithAttributes(attrChannel.String(channel)))
	}
}

// StartHandle opens the consumer span for one work item.
func (i *Instruments) StartHandle(ctx context.Context, correlationID string) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, "relay.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attrCorrelationID.String(correlationID)),
	)
}

// EndHandle records the outcome of a handled work item and ends its span.
func (i *Instruments) EndHandle(ctx context.Context, span trace.Span, started time.Time, outcome string, err error) {
	attrs := metric.WithAttributes(attrOutcome.String(outcome))
	if i.workerItems != nil {
		i.workerItems.Add(ctx, 1, attrs)
	}
	if i.workerDuration != nil {
		i.workerDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	}
	endSpan(span, outcome, err)
}

// RecordReconnect counts one re-establishment of the transport.
func (i *Instruments) RecordReconnect(ctx context.Context, err error) {
	if i.reconnects == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	i.reconnects.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}

func endSpan(span trace.Span, outcome string, err error) {
	if span == nil {
		return
	}
	if span.IsRecording() {
		span.SetAttributes(attrOutcome.String(outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
	span.End()
}

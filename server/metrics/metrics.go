// Package metrics records analysis and inference counters through the
// OpenTelemetry metric API.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "liftform"

type Metrics struct {
	framesCounter      metric.Int64Counter
	repsCounter        metric.Int64Counter
	rejectedCounter    metric.Int64Counter
	setsCounter        metric.Int64Counter
	alertsCounter      metric.Int64Counter
	inferenceCounter   metric.Int64Counter
	frameDuration      metric.Float64Histogram
	inferenceLatency   metric.Float64Histogram
	activeSessionGauge metric.Int64UpDownCounter
}

// New registers the instruments on the global meter provider.
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(meterName))
}

func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error

	if m.framesCounter, err = meter.Int64Counter(
		"liftform.frames.processed",
		metric.WithDescription("Landmark frames processed"),
		metric.WithUnit("{frame}"),
	); err != nil {
		return nil, err
	}

	if m.repsCounter, err = meter.Int64Counter(
		"liftform.reps.counted",
		metric.WithDescription("Repetitions counted"),
		metric.WithUnit("{rep}"),
	); err != nil {
		return nil, err
	}

	if m.rejectedCounter, err = meter.Int64Counter(
		"liftform.reps.rejected",
		metric.WithDescription("Repetitions rejected as a bounce within the minimum interval"),
		metric.WithUnit("{rep}"),
	); err != nil {
		return nil, err
	}

	if m.setsCounter, err = meter.Int64Counter(
		"liftform.sets.closed",
		metric.WithDescription("Sets closed automatically or on request"),
		metric.WithUnit("{set}"),
	); err != nil {
		return nil, err
	}

	if m.alertsCounter, err = meter.Int64Counter(
		"liftform.spine.alerts",
		metric.WithDescription("Onsets of a confirmed danger or critical spine status"),
		metric.WithUnit("{alert}"),
	); err != nil {
		return nil, err
	}

	if m.inferenceCounter, err = meter.Int64Counter(
		"liftform.inference.requests",
		metric.WithDescription("Remote inference submissions by outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.frameDuration, err = meter.Float64Histogram(
		"liftform.frame.duration",
		metric.WithDescription("Time spent analysing one frame"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.inferenceLatency, err = meter.Float64Histogram(
		"liftform.inference.latency",
		metric.WithDescription("Round trip time of remote inference requests"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}

	if m.activeSessionGauge, err = meter.Int64UpDownCounter(
		"liftform.sessions.active",
		metric.WithDescription("Open training sessions"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Metrics) RecordFrame(ctx context.Context, detected bool, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.Bool("detected", detected))
	m.framesCounter.Add(ctx, 1, attrs)
	m.frameDuration.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *Metrics) RecordRep(ctx context.Context, score int) {
	m.repsCounter.Add(ctx, 1, metric.WithAttributes(attribute.Int("score_bucket", score/10*10)))
}

func (m *Metrics) RecordRejectedRep(ctx context.Context) {
	m.rejectedCounter.Add(ctx, 1)
}

func (m *Metrics) RecordSetClosed(ctx context.Context, manual bool) {
	m.setsCounter.Add(ctx, 1, metric.WithAttributes(attribute.Bool("manual", manual)))
}

func (m *Metrics) RecordSpineAlert(ctx context.Context, status string) {
	m.alertsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordInference(ctx context.Context, outcome string, latency time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.inferenceCounter.Add(ctx, 1, attrs)
	if latency > 0 {
		m.inferenceLatency.Record(ctx, float64(latency.Microseconds())/1000, attrs)
	}
}

func (m *Metrics) SessionOpened(ctx context.Context) {
	m.activeSessionGauge.Add(ctx, 1)
}

func (m *Metrics) SessionClosed(ctx context.Context) {
	m.activeSessionGauge.Add(ctx, -1)
}

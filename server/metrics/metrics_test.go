package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type failingMeter struct {
	noop.Meter
	failOn string
}

func (m failingMeter) Int64Counter(name string, opts ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	if name == m.failOn {
		return nil, errors.New("instrument rejected")
	}
	return m.Meter.Int64Counter(name, opts...)
}

func TestMetrics_RecordWithNoopMeter(t *testing.T) {
	m, err := NewWithMeter(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordFrame(ctx, true, 350*time.Microsecond)
		m.RecordFrame(ctx, false, 0)
		m.RecordRep(ctx, 97)
		m.RecordRejectedRep(ctx)
		m.RecordSetClosed(ctx, true)
		m.RecordSpineAlert(ctx, "critical")
		m.RecordInference(ctx, "ok", 40*time.Millisecond)
		m.RecordInference(ctx, "dropped", 0)
		m.SessionOpened(ctx)
		m.SessionClosed(ctx)
	})
}

func TestMetrics_GlobalProvider(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestMetrics_InstrumentError(t *testing.T) {
	_, err := NewWithMeter(failingMeter{failOn: "liftform.sets.closed"})
	assert.Error(t, err)
}

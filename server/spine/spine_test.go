package spine

import (
	"math/rand"
	"testing"

	"github.com/san-kum/liftform/server/models"
	"github.com/san-kum/liftform/server/posetest"
	"github.com/stretchr/testify/assert"
)

func feed(d *Detector, s State, raw float64, lifting bool, n int) State {
	for i := 0; i < n; i++ {
		s = d.StepAngle(s, raw, lifting)
	}
	return s
}

func TestCurvature(t *testing.T) {
	tests := []struct {
		name      string
		hipAngle  float64
		curvature float64
	}{
		{"upright straight back", 180, 0},
		{"hinged straight back", 110, 0},
		{"hinged rounded back", 110, 25},
		{"upright head forward", 175, 45},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := posetest.At(tt.hipAngle, tt.curvature)
			assert.InDelta(t, tt.curvature, Curvature(frame), 1e-6)
		})
	}
}

func TestStep_SmoothedAngleConvergesAndStays(t *testing.T) {
	d := NewDetector(DefaultConfig())
	frame := posetest.At(130, 18)

	s := NewState()
	s = d.Step(s, posetest.At(130, 0), true)
	for i := 0; i < 80; i++ {
		s = d.Step(s, frame, true)
	}
	assert.InDelta(t, 18, s.SmoothedAngle, 1e-6)

	settled := s.SmoothedAngle
	for i := 0; i < 200; i++ {
		s = d.Step(s, frame, true)
	}
	assert.InDelta(t, settled, s.SmoothedAngle, 1e-9)
}

func TestStep_NotLiftingForcesSafe(t *testing.T) {
	d := NewDetector(DefaultConfig())

	s := feed(d, NewState(), 35, true, 12)
	assert.Equal(t, models.SpineDanger, s.ConfirmedStatus)
	assert.Equal(t, 12, s.DangerFrameCount)

	s = d.StepAngle(s, 55, false)
	assert.Equal(t, models.SpineSafe, s.Status)
	assert.Equal(t, models.SpineSafe, s.ConfirmedStatus)
	assert.Zero(t, s.DangerFrameCount)
	assert.Zero(t, s.WarningFrameCount)
	assert.Greater(t, s.SmoothedAngle, 35.0, "filter keeps running while resting")
}

func TestStep_CriticalBypassesDebounce(t *testing.T) {
	d := NewDetector(DefaultConfig())

	s := d.StepAngle(NewState(), 50, true)

	assert.Equal(t, models.SpineCritical, s.ConfirmedStatus)
	assert.Less(t, s.DangerFrameCount, DefaultConfig().DebounceFrames)
}

func TestStep_DangerNeedsTenFrames(t *testing.T) {
	d := NewDetector(DefaultConfig())
	s := NewState()

	for i := 1; i < 10; i++ {
		s = d.StepAngle(s, 35, true)
		assert.Equal(t, models.SpineMonitoring, s.Status, "frame %d", i)
		assert.Equal(t, models.SpineSafe, s.ConfirmedStatus, "frame %d", i)
	}

	s = d.StepAngle(s, 35, true)
	assert.Equal(t, models.SpineDanger, s.ConfirmedStatus)
	assert.Equal(t, 10, s.DangerFrameCount)
}

func TestStep_WarningNeedsTenFrames(t *testing.T) {
	d := NewDetector(DefaultConfig())

	s := feed(d, NewState(), 25, true, 9)
	assert.Equal(t, models.SpineMonitoring, s.Status)

	s = d.StepAngle(s, 25, true)
	assert.Equal(t, models.SpineWarning, s.Status)
	assert.Equal(t, models.SpineWarning, s.ConfirmedStatus)
	assert.Zero(t, s.DangerFrameCount)
}

func TestStep_MildCurvatureOnlyMonitors(t *testing.T) {
	d := NewDetector(DefaultConfig())

	s := feed(d, NewState(), 15, true, 30)

	assert.Equal(t, models.SpineMonitoring, s.Status)
	assert.Equal(t, models.SpineSafe, s.ConfirmedStatus)
	assert.Equal(t, 30, s.WarningFrameCount)
}

func TestStep_SingleFrameSpikeDoesNotAlert(t *testing.T) {
	d := NewDetector(DefaultConfig())

	s := feed(d, NewState(), 5, true, 20)
	s = d.StepAngle(s, 60, true)
	assert.False(t, s.ConfirmedStatus.Alerting())

	for i := 0; i < 15; i++ {
		s = d.StepAngle(s, 5, true)
		assert.False(t, s.ConfirmedStatus.Alerting())
	}
	assert.Equal(t, models.SpineSafe, s.Status)
}

func TestStep_WarningCounterSurvivesDipBelowWarning(t *testing.T) {
	d := NewDetector(DefaultConfig())

	s := feed(d, NewState(), 25, true, 6)
	s = feed(d, s, 14, true, 3)
	assert.Equal(t, 9, s.WarningFrameCount)
}

func TestStep_ConfirmedStatusRespectsCounters(t *testing.T) {
	d := NewDetector(DefaultConfig())
	cfg := DefaultConfig()
	rng := rand.New(rand.NewSource(7))

	s := NewState()
	for i := 0; i < 5000; i++ {
		raw := rng.Float64() * 50
		lifting := rng.Intn(10) > 0
		s = d.StepAngle(s, raw, lifting)

		if !lifting {
			assert.Zero(t, s.WarningFrameCount)
			assert.Zero(t, s.DangerFrameCount)
			assert.Equal(t, models.SpineSafe, s.ConfirmedStatus)
			continue
		}

		assert.True(t, s.ConfirmedStatus.Confirmable())
		switch s.ConfirmedStatus {
		case models.SpineDanger:
			assert.GreaterOrEqual(t, s.DangerFrameCount, cfg.DebounceFrames)
		case models.SpineWarning:
			assert.GreaterOrEqual(t, s.WarningFrameCount, cfg.DebounceFrames)
		case models.SpineCritical:
			assert.Greater(t, s.SmoothedAngle, cfg.Critical)
		}
	}
}

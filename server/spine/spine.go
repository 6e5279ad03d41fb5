// Package spine estimates torso rounding from the nose, shoulder and hip
// landmarks and classifies it into a debounced risk level.
//
// The curvature angle measures how co-linear the neck and torso segments are,
// not how far the lifter hinges at the hip: a deep forward lean with a flat
// back reads close to 0°.
package spine

import (
	"github.com/san-kum/liftform/server/geometry"
	"github.com/san-kum/liftform/server/hysteresis"
	"github.com/san-kum/liftform/server/models"
)

type Config struct {
	Alpha          float64
	Safe           float64
	Warning        float64
	Danger         float64
	Critical       float64
	DebounceFrames int
}

func DefaultConfig() Config {
	return Config{
		Alpha:          0.3,
		Safe:           10,
		Warning:        20,
		Danger:         30,
		Critical:       40,
		DebounceFrames: 10,
	}
}

// State is the detector's persisted per-session state.
type State struct {
	RawAngle          float64            `json:"raw_angle"`
	SmoothedAngle     float64            `json:"smoothed_angle"`
	Status            models.SpineStatus `json:"status"`
	ConfirmedStatus   models.SpineStatus `json:"confirmed_status"`
	WarningFrameCount int                `json:"warning_frame_count"`
	DangerFrameCount  int                `json:"danger_frame_count"`

	primed bool
}

func NewState() State {
	return State{Status: models.SpineSafe, ConfirmedStatus: models.SpineSafe}
}

type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Curvature returns the raw angle between the neck segment (mid-shoulder to
// nose) and the torso segment (mid-hip to mid-shoulder).
func Curvature(frame models.Frame) float64 {
	nose := geometry.FromLandmark(frame[models.Nose])
	shoulder := geometry.MidpointOf(frame, models.LeftShoulder, models.RightShoulder)
	hip := geometry.MidpointOf(frame, models.LeftHip, models.RightHip)

	return geometry.AngleBetween(nose.Sub(shoulder), shoulder.Sub(hip))
}

// Step advances the detector by one frame. The smoothing filter runs on every
// frame; the run-length counters and the risk decision only apply while the
// lifter is lifting.
func (d *Detector) Step(prev State, frame models.Frame, lifting bool) State {
	return d.StepAngle(prev, Curvature(frame), lifting)
}

func (d *Detector) StepAngle(prev State, raw float64, lifting bool) State {
	ema := hysteresis.EMA{Alpha: d.cfg.Alpha, Value: prev.SmoothedAngle, Primed: prev.primed}
	smoothed := ema.Update(raw)

	next := State{
		RawAngle:      raw,
		SmoothedAngle: smoothed,
		primed:        true,
	}

	if !lifting {
		next.Status = models.SpineSafe
		next.ConfirmedStatus = models.SpineSafe
		return next
	}

	danger := hysteresis.Counter{Threshold: d.cfg.DebounceFrames, Count: prev.DangerFrameCount}
	warning := hysteresis.Counter{Threshold: d.cfg.DebounceFrames, Count: prev.WarningFrameCount}
	danger.Observe(smoothed > d.cfg.Danger)
	warning.Observe(smoothed > d.cfg.Safe)
	next.DangerFrameCount = danger.Count
	next.WarningFrameCount = warning.Count

	switch {
	case smoothed > d.cfg.Critical:
		next.Status = models.SpineCritical
	case danger.Confirmed() && smoothed > d.cfg.Danger:
		next.Status = models.SpineDanger
	case warning.Confirmed() && smoothed > d.cfg.Warning:
		next.Status = models.SpineWarning
	case smoothed > d.cfg.Safe:
		next.Status = models.SpineMonitoring
	default:
		next.Status = models.SpineSafe
	}

	next.ConfirmedStatus = next.Status
	if next.Status == models.SpineMonitoring {
		next.ConfirmedStatus = models.SpineSafe
	}
	return next
}

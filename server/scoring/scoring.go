// Package scoring turns the spine and phase signals of one repetition into a
// 0-100 quality score.
package scoring

import (
	"math"
	"time"

	"github.com/san-kum/liftform/server/models"
	"github.com/san-kum/liftform/server/spine"
)

type Config struct {
	WarningDeduction  float64
	DangerDeduction   float64
	CriticalDeduction float64
	MaxSpineDeduction float64
	DepthAngle        float64
	DepthStep         float64
	MaxDepthBonus     float64
	FastRep           time.Duration
	ControlledRepMin  time.Duration
	ControlledRepMax  time.Duration
	StabilityBonus    float64
	PerfectFormBonus  float64
}

func DefaultConfig() Config {
	return Config{
		WarningDeduction:  0.5,
		DangerDeduction:   2,
		CriticalDeduction: 5,
		MaxSpineDeduction: 50,
		DepthAngle:        100,
		DepthStep:         0.5,
		MaxDepthBonus:     10,
		FastRep:           1500 * time.Millisecond,
		ControlledRepMin:  2000 * time.Millisecond,
		ControlledRepMax:  4000 * time.Millisecond,
		StabilityBonus:    5,
		PerfectFormBonus:  5,
	}
}

// Factors accumulate over the frames of one repetition.
type Factors struct {
	SpineDeductions float64 `json:"spine_deductions"`
	DepthBonus      float64 `json:"depth_bonus"`
	SpeedPenalty    float64 `json:"speed_penalty"`
	StabilityBonus  float64 `json:"stability_bonus"`
	WarningCount    int     `json:"warning_count"`
}

type Engine struct {
	cfg Config
}

func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Accumulate folds one frame into f. Returning to STANDING clears the factors.
func (e *Engine) Accumulate(f Factors, phase models.Phase, sp spine.State, hipAngle float64) Factors {
	if phase == models.PhaseStanding {
		return Factors{}
	}

	if sp.Status == models.SpineWarning {
		f.SpineDeductions += e.cfg.WarningDeduction
	}
	switch sp.ConfirmedStatus {
	case models.SpineDanger:
		f.SpineDeductions += e.cfg.DangerDeduction
		f.WarningCount++
	case models.SpineCritical:
		f.SpineDeductions += e.cfg.CriticalDeduction
		f.WarningCount++
	}

	if phase == models.PhaseBottom && hipAngle < e.cfg.DepthAngle {
		f.DepthBonus = math.Min(e.cfg.MaxDepthBonus, f.DepthBonus+e.cfg.DepthStep)
	}
	return f
}

// Live is the running score shown while a rep is in progress.
func (e *Engine) Live(f Factors) int {
	score := 100 - math.Min(f.SpineDeductions, e.cfg.MaxSpineDeduction) +
		f.DepthBonus - f.SpeedPenalty + f.StabilityBonus
	return clampScore(score)
}

// Finalize scores a completed rep that took duration since the previous one.
// It returns the score and the factors with the tempo adjustments applied.
func (e *Engine) Finalize(f Factors, duration time.Duration) (int, Factors) {
	score := 100 - math.Min(f.SpineDeductions, e.cfg.MaxSpineDeduction) + f.DepthBonus

	switch {
	case duration < e.cfg.FastRep:
		f.SpeedPenalty = math.Round(float64((e.cfg.FastRep - duration).Milliseconds()) / 100)
		score -= f.SpeedPenalty
	case duration >= e.cfg.ControlledRepMin && duration <= e.cfg.ControlledRepMax:
		f.StabilityBonus = e.cfg.StabilityBonus
		score += f.StabilityBonus
	}

	if f.WarningCount == 0 {
		score += e.cfg.PerfectFormBonus
	}

	return clampScore(score), f
}

func clampScore(score float64) int {
	return int(math.Round(math.Max(0, math.Min(100, score))))
}

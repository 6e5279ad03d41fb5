package scoring

import (
	"testing"
	"time"

	"github.com/san-kum/liftform/server/models"
	"github.com/san-kum/liftform/server/spine"
	"github.com/stretchr/testify/assert"
)

func spineAt(status, confirmed models.SpineStatus) spine.State {
	return spine.State{Status: status, ConfirmedStatus: confirmed}
}

func TestFinalize(t *testing.T) {
	e := NewEngine(DefaultConfig())

	tests := []struct {
		name     string
		factors  Factors
		duration time.Duration
		score    int
		speed    float64
		stable   float64
	}{
		{
			name:     "controlled tempo clean form",
			duration: 3000 * time.Millisecond,
			score:    100,
			stable:   5,
		},
		{
			name:     "fast rep",
			factors:  Factors{WarningCount: 1, SpineDeductions: 2},
			duration: 900 * time.Millisecond,
			score:    92,
			speed:    6,
		},
		{
			name:     "fast rep rounds half up",
			factors:  Factors{WarningCount: 1},
			duration: 1450 * time.Millisecond,
			score:    99,
			speed:    1,
		},
		{
			name:     "neutral tempo",
			factors:  Factors{WarningCount: 2, SpineDeductions: 10, DepthBonus: 3},
			duration: 1800 * time.Millisecond,
			score:    93,
		},
		{
			name:     "slow rep gets no tempo bonus",
			factors:  Factors{WarningCount: 1},
			duration: 4001 * time.Millisecond,
			score:    100,
		},
		{
			name:     "deductions are capped",
			factors:  Factors{WarningCount: 40, SpineDeductions: 200},
			duration: 2500 * time.Millisecond,
			score:    55,
			stable:   5,
		},
		{
			name:     "zero duration",
			factors:  Factors{WarningCount: 40, SpineDeductions: 200},
			duration: 0,
			score:    35,
			speed:    15,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, f := e.Finalize(tt.factors, tt.duration)
			assert.Equal(t, tt.score, score)
			assert.Equal(t, tt.speed, f.SpeedPenalty)
			assert.Equal(t, tt.stable, f.StabilityBonus)
			assert.GreaterOrEqual(t, score, 0)
			assert.LessOrEqual(t, score, 100)
		})
	}
}

func TestFinalize_ClampsAtZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSpineDeduction = 150
	e := NewEngine(cfg)

	score, _ := e.Finalize(Factors{SpineDeductions: 140, WarningCount: 3}, 100*time.Millisecond)
	assert.Zero(t, score)
}

func TestAccumulate_StandingResets(t *testing.T) {
	e := NewEngine(DefaultConfig())

	f := Factors{SpineDeductions: 12, DepthBonus: 4, WarningCount: 3}
	f = e.Accumulate(f, models.PhaseStanding, spineAt(models.SpineCritical, models.SpineCritical), 90)

	assert.Equal(t, Factors{}, f)
	assert.Equal(t, 100, e.Live(f))
}

func TestAccumulate_SpineDeductions(t *testing.T) {
	e := NewEngine(DefaultConfig())

	tests := []struct {
		name      string
		state     spine.State
		deduction float64
		warnings  int
	}{
		{"safe", spineAt(models.SpineSafe, models.SpineSafe), 0, 0},
		{"monitoring", spineAt(models.SpineMonitoring, models.SpineSafe), 0, 0},
		{"warning", spineAt(models.SpineWarning, models.SpineWarning), 0.5, 0},
		{"danger", spineAt(models.SpineDanger, models.SpineDanger), 2, 1},
		{"critical", spineAt(models.SpineCritical, models.SpineCritical), 5, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := e.Accumulate(Factors{}, models.PhaseDescending, tt.state, 140)
			assert.Equal(t, tt.deduction, f.SpineDeductions)
			assert.Equal(t, tt.warnings, f.WarningCount)
		})
	}
}

func TestAccumulate_DepthBonusOnlyAtBottom(t *testing.T) {
	e := NewEngine(DefaultConfig())
	safe := spineAt(models.SpineSafe, models.SpineSafe)

	f := e.Accumulate(Factors{}, models.PhaseDescending, safe, 90)
	assert.Zero(t, f.DepthBonus)

	f = e.Accumulate(f, models.PhaseBottom, safe, 105)
	assert.Zero(t, f.DepthBonus)

	for i := 0; i < 30; i++ {
		f = e.Accumulate(f, models.PhaseBottom, safe, 95)
	}
	assert.Equal(t, 10.0, f.DepthBonus)
	assert.Equal(t, 100, e.Live(f))
}

func TestLive(t *testing.T) {
	e := NewEngine(DefaultConfig())

	assert.Equal(t, 100, e.Live(Factors{}))
	assert.Equal(t, 88, e.Live(Factors{SpineDeductions: 12}))
	assert.Equal(t, 50, e.Live(Factors{SpineDeductions: 80}))
	assert.Equal(t, 93, e.Live(Factors{SpineDeductions: 12.5, DepthBonus: 5.5}))
	assert.Equal(t, 100, e.Live(Factors{DepthBonus: 10}))
}

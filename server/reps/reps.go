// Package reps tracks the lift cycle from the hip angle and counts
// repetitions and sets.
//
// The cycle is STANDING → DESCENDING → BOTTOM → ASCENDING → STANDING. A phase
// change is committed only after the same target phase has been observed for
// StableFrames consecutive frames, and a rep is counted on the
// ASCENDING → STANDING transition.
package reps

import (
	"slices"
	"time"

	"github.com/san-kum/liftform/server/hysteresis"
	"github.com/san-kum/liftform/server/models"
)

type Config struct {
	Alpha          float64
	StandingAngle  float64
	BottomAngle    float64
	StableFrames   int
	MinRepInterval time.Duration
	SetIdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Alpha:          0.4,
		StandingAngle:  160,
		BottomAngle:    120,
		StableFrames:   4,
		MinRepInterval: 800 * time.Millisecond,
		SetIdleTimeout: 10 * time.Second,
	}
}

// State is the machine's persisted per-session state.
type State struct {
	Phase            models.Phase `json:"phase"`
	PendingPhase     models.Phase `json:"pending_phase"`
	SmoothedHipAngle float64      `json:"smoothed_hip_angle"`
	StableFrameCount int          `json:"stable_frame_count"`
	RepCountInSet    int          `json:"rep_count_in_set"`
	SetIndex         int          `json:"set_index"`
	TotalReps        int          `json:"total_reps"`
	BestRepsInASet   int          `json:"best_reps_in_a_set"`
	SetHistory       []int        `json:"set_history"`
	LastRepAt        time.Time    `json:"last_rep_at"`
	LastActivityAt   time.Time    `json:"last_activity_at"`
	CycleStartedAt   time.Time    `json:"cycle_started_at"`

	primed bool
}

func NewState() State {
	return State{
		Phase:        models.PhaseStanding,
		PendingPhase: models.PhaseStanding,
		SetIndex:     1,
		SetHistory:   []int{},
	}
}

// Event describes what a single Step changed.
type Event struct {
	From         models.Phase  `json:"from"`
	To           models.Phase  `json:"to"`
	Transitioned bool          `json:"transitioned"`
	RepCounted   bool          `json:"rep_counted"`
	RepRejected  bool          `json:"rep_rejected"`
	RepDuration  time.Duration `json:"rep_duration_ns"`
	SetClosed    bool          `json:"set_closed"`
	ClosedSet    int           `json:"closed_set"`
	ClosedReps   int           `json:"closed_reps"`
}

type Machine struct {
	cfg Config
}

func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// Lifting reports whether a raw hip angle means the lifter is out of the
// upright position.
func (m *Machine) Lifting(hipAngle float64) bool {
	return hipAngle < m.cfg.StandingAngle
}

// Step advances the machine by one frame captured at now.
func (m *Machine) Step(prev State, hipAngle float64, now time.Time) (State, Event) {
	next := prev
	ev := Event{From: prev.Phase, To: prev.Phase}

	ema := hysteresis.EMA{Alpha: m.cfg.Alpha, Value: prev.SmoothedHipAngle, Primed: prev.primed}
	smoothed := ema.Update(hipAngle)
	next.SmoothedHipAngle = smoothed
	next.primed = true

	target := m.target(prev, smoothed)
	latch := hysteresis.Latch[models.Phase]{
		Threshold: m.cfg.StableFrames,
		Candidate: prev.PendingPhase,
		Count:     prev.StableFrameCount,
	}
	phase, changed := latch.Propose(prev.Phase, target)
	next.Phase = phase
	next.PendingPhase = latch.Candidate
	next.StableFrameCount = latch.Count

	if changed {
		ev.To = phase
		ev.Transitioned = true
		m.onTransition(&next, &ev, prev, now)
	}

	if next.Phase != models.PhaseStanding {
		next.LastActivityAt = now
	}

	if next.Phase == models.PhaseStanding && next.RepCountInSet > 0 &&
		now.Sub(next.LastActivityAt) > m.cfg.SetIdleTimeout {
		ev.SetClosed = true
		ev.ClosedSet = next.SetIndex
		ev.ClosedReps = next.RepCountInSet
		closeSet(&next)
	}

	return next, ev
}

func (m *Machine) target(prev State, smoothed float64) models.Phase {
	switch {
	case smoothed >= m.cfg.StandingAngle:
		return models.PhaseStanding
	case smoothed <= m.cfg.BottomAngle:
		return models.PhaseBottom
	case prev.Phase == models.PhaseStanding && prev.primed && smoothed < prev.SmoothedHipAngle:
		return models.PhaseDescending
	case prev.Phase == models.PhaseBottom && prev.primed && smoothed > prev.SmoothedHipAngle:
		return models.PhaseAscending
	default:
		return prev.Phase
	}
}

func (m *Machine) onTransition(next *State, ev *Event, prev State, now time.Time) {
	if prev.Phase == models.PhaseStanding {
		next.CycleStartedAt = now
	}

	if prev.Phase != models.PhaseAscending || next.Phase != models.PhaseStanding {
		return
	}

	if !prev.LastRepAt.IsZero() && now.Sub(prev.LastRepAt) < m.cfg.MinRepInterval {
		ev.RepRejected = true
		return
	}

	start := prev.LastRepAt
	if start.IsZero() {
		start = prev.CycleStartedAt
	}
	ev.RepCounted = true
	ev.RepDuration = now.Sub(start)

	next.RepCountInSet++
	next.TotalReps++
	next.BestRepsInASet = max(next.BestRepsInASet, next.RepCountInSet)
	next.LastRepAt = now
	next.LastActivityAt = now
}

// NewSet closes the current set on request. It is a no-op when the current
// set has no reps yet.
func (m *Machine) NewSet(prev State) (State, bool) {
	if prev.RepCountInSet == 0 {
		return prev, false
	}
	next := prev
	closeSet(&next)
	return next, true
}

// Reset returns the machine to its initial state.
func (m *Machine) Reset() State {
	return NewState()
}

// Progress maps the smoothed hip angle onto 0 (standing) to 100 (bottom).
func (m *Machine) Progress(s State) float64 {
	span := m.cfg.StandingAngle - m.cfg.BottomAngle
	if span <= 0 || !s.primed {
		return 0
	}
	p := (m.cfg.StandingAngle - s.SmoothedHipAngle) / span * 100
	return min(100, max(0, p))
}

func closeSet(s *State) {
	s.SetHistory = append(slices.Clone(s.SetHistory), s.RepCountInSet)
	s.SetIndex++
	s.RepCountInSet = 0
}

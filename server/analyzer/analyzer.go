// Package analyzer runs the per-frame pipeline for one training session:
// framing check, joint angles, spine risk, rep phase and rep scoring.
//
// A Session is not safe for concurrent use. Callers serialize Process, NewSet
// and Reset for the same session.
package analyzer

import (
	"slices"
	"time"

	"github.com/san-kum/liftform/server/framing"
	"github.com/san-kum/liftform/server/geometry"
	"github.com/san-kum/liftform/server/models"
	"github.com/san-kum/liftform/server/reps"
	"github.com/san-kum/liftform/server/scoring"
	"github.com/san-kum/liftform/server/spine"
)

const (
	SpineSourceLocal  = "local"
	SpineSourceRemote = "remote"
)

type Config struct {
	Framing framing.Config
	Spine   spine.Config
	Reps    reps.Config
	Scoring scoring.Config
}

func DefaultConfig() Config {
	return Config{
		Framing: framing.DefaultConfig(),
		Spine:   spine.DefaultConfig(),
		Reps:    reps.DefaultConfig(),
		Scoring: scoring.DefaultConfig(),
	}
}

// Result is what one frame produces for presentation.
type Result struct {
	Detected  bool      `json:"detected"`
	Timestamp time.Time `json:"timestamp"`
	models.Angles
	Lifting            bool                  `json:"is_lifting"`
	Spine              spine.State           `json:"spine"`
	SpineSource        string                `json:"spine_source"`
	Phase              reps.State            `json:"phase"`
	Position           models.PositionStatus `json:"position"`
	LiveScore          int                   `json:"live_score"`
	LastFinalizedScore *int                  `json:"last_finalized_score"`
	Progress           float64               `json:"progress"`
	Event              reps.Event            `json:"event"`
	Factors            scoring.Factors       `json:"factors"`
	MLIssues           []string              `json:"ml_issues,omitempty"`
}

type Session struct {
	ID        string
	StartedAt time.Time

	checker  *framing.Checker
	detector *spine.Detector
	machine  *reps.Machine
	engine   *scoring.Engine

	spine   spine.State
	reps    reps.State
	factors scoring.Factors
	scores  []int

	frames      int
	alerting    bool
	roundedBack int
	bounces     int
	mlIssues    int
}

func NewSession(id string, cfg Config, startedAt time.Time) *Session {
	return &Session{
		ID:        id,
		StartedAt: startedAt,
		checker:   framing.NewChecker(cfg.Framing),
		detector:  spine.NewDetector(cfg.Spine),
		machine:   reps.NewMachine(cfg.Reps),
		engine:    scoring.NewEngine(cfg.Scoring),
		spine:     spine.NewState(),
		reps:      reps.NewState(),
		scores:    []int{},
	}
}

// Process runs the pipeline on one frame captured at now. A frame without a
// complete, finite landmark set yields Detected=false and leaves the session
// untouched.
func (s *Session) Process(frame models.Frame, now time.Time) Result {
	if !frame.Valid() {
		res := s.snapshot(now)
		res.Position = models.PositionStatus{Issues: []string{"no person detected"}}
		return res
	}

	position := s.checker.Check(frame)

	hip := geometry.MidpointOf(frame, models.LeftHip, models.RightHip)
	knee := geometry.MidpointOf(frame, models.LeftKnee, models.RightKnee)
	shoulder := geometry.MidpointOf(frame, models.LeftShoulder, models.RightShoulder)
	ankle := geometry.MidpointOf(frame, models.LeftAnkle, models.RightAnkle)

	angles := models.Angles{
		Knee:           geometry.AngleAt(knee, hip, ankle),
		Hip:            geometry.AngleAt(hip, shoulder, knee),
		SpineCurvature: spine.Curvature(frame),
	}
	lifting := s.machine.Lifting(angles.Hip)

	s.spine = s.detector.StepAngle(s.spine, angles.SpineCurvature, lifting)
	alerting := s.spine.ConfirmedStatus.Alerting()
	if alerting && !s.alerting {
		s.roundedBack++
	}
	s.alerting = alerting

	var ev reps.Event
	s.reps, ev = s.machine.Step(s.reps, angles.Hip, now)
	if ev.RepCounted {
		score, _ := s.engine.Finalize(s.factors, ev.RepDuration)
		s.scores = append(s.scores, score)
	}
	if ev.RepRejected {
		s.bounces++
	}
	s.factors = s.engine.Accumulate(s.factors, s.reps.Phase, s.spine, angles.Hip)
	s.frames++

	res := s.snapshot(now)
	res.Detected = true
	res.Angles = angles
	res.Lifting = lifting
	res.Position = position
	res.Event = ev
	return res
}

func (s *Session) snapshot(now time.Time) Result {
	res := Result{
		Timestamp:   now,
		Spine:       s.spine,
		SpineSource: SpineSourceLocal,
		Phase:       s.reps,
		LiveScore:   s.engine.Live(s.factors),
		Progress:    s.machine.Progress(s.reps),
		Factors:     s.factors,
	}
	if n := len(s.scores); n > 0 {
		last := s.scores[n-1]
		res.LastFinalizedScore = &last
	}
	return res
}

// NewSet closes the current set if it has any reps.
func (s *Session) NewSet() reps.Event {
	var ev reps.Event
	next, closed := s.machine.NewSet(s.reps)
	if closed {
		ev = reps.Event{
			From:       s.reps.Phase,
			To:         s.reps.Phase,
			SetClosed:  true,
			ClosedSet:  s.reps.SetIndex,
			ClosedReps: s.reps.RepCountInSet,
		}
	}
	s.reps = next
	return ev
}

// Reset clears every counter, score and warning. The session identity and
// start time are kept.
func (s *Session) Reset() {
	s.spine = spine.NewState()
	s.reps = s.machine.Reset()
	s.factors = scoring.Factors{}
	s.scores = []int{}
	s.frames = 0
	s.alerting = false
	s.roundedBack = 0
	s.bounces = 0
	s.mlIssues = 0
}

// RecordRemoteIssues adds issue labels reported by the remote model to the
// session's warning tally.
func (s *Session) RecordRemoteIssues(n int) {
	if n > 0 {
		s.mlIssues += n
	}
}

func (s *Session) Scores() []int {
	return slices.Clone(s.scores)
}

func (s *Session) Spine() spine.State { return s.spine }

func (s *Session) Reps() reps.State { return s.reps }

func (s *Session) Warnings() models.Warnings {
	return models.Warnings{
		RoundedBack: s.roundedBack,
		Other:       s.bounces + s.mlIssues,
	}
}

// SetsDetail lists the reps of every closed set followed by the open set when
// it has reps.
func (s *Session) SetsDetail() []int {
	sets := slices.Clone(s.reps.SetHistory)
	if sets == nil {
		sets = []int{}
	}
	if s.reps.RepCountInSet > 0 {
		sets = append(sets, s.reps.RepCountInSet)
	}
	return sets
}

func (s *Session) Summary(endedAt time.Time) models.SessionSummary {
	sum := models.SessionSummary{
		SessionID:   s.ID,
		StartedAt:   s.StartedAt,
		EndedAt:     endedAt,
		TotalFrames: s.frames,
		TotalReps:   s.reps.TotalReps,
		SetsDetail:  s.SetsDetail(),
		BestSet:     s.reps.BestRepsInASet,
		RepScores:   s.Scores(),
		Warnings:    s.Warnings(),
	}
	if len(s.scores) > 0 {
		total := 0
		for _, v := range s.scores {
			total += v
		}
		sum.AvgRepScore = (total + len(s.scores)/2) / len(s.scores)
	}
	return sum
}

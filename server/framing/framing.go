// Package framing decides whether the lifter is positioned well enough in the
// camera frame for the angle analysis to be trusted.
package framing

import (
	"math"

	"github.com/san-kum/liftform/server/models"
)

type Config struct {
	MinVisibility float64
	Margin        float64
	MinBodyHeight float64
	MaxBodyHeight float64
}

func DefaultConfig() Config {
	return Config{
		MinVisibility: 0.5,
		Margin:        0.05,
		MinBodyHeight: 0.35,
		MaxBodyHeight: 0.85,
	}
}

var visibilityPoints = []struct {
	id   int
	name string
}{
	{models.Nose, "nose"},
	{models.LeftShoulder, "left shoulder"},
	{models.RightShoulder, "right shoulder"},
	{models.LeftHip, "left hip"},
	{models.RightHip, "right hip"},
	{models.LeftKnee, "left knee"},
	{models.RightKnee, "right knee"},
	{models.LeftAnkle, "left ankle"},
	{models.RightAnkle, "right ankle"},
}

var boundaryPoints = []int{
	models.Nose,
	models.LeftShoulder,
	models.RightShoulder,
	models.LeftAnkle,
	models.RightAnkle,
}

const (
	SuggestMoveBack   = "Step back so your whole body fits in the frame"
	SuggestMoveCloser = "Move closer to the camera"
	SuggestLowerView  = "Tilt the camera up or step down so your head is in view"
	SuggestRaiseView  = "Tilt the camera down so your feet are in view"
	SuggestCenter     = "Move to the center of the frame"
	SuggestShowBody   = "Turn sideways to the camera and keep your whole body visible"
)

type category int

const (
	categoryNone category = iota
	categoryTooFar
	categoryTooClose
	categoryOutTop
	categoryOutBottom
	categoryOutSides
	categoryInvisible
)

var suggestions = map[category]string{
	categoryTooFar:    SuggestMoveCloser,
	categoryTooClose:  SuggestMoveBack,
	categoryOutTop:    SuggestLowerView,
	categoryOutBottom: SuggestRaiseView,
	categoryOutSides:  SuggestCenter,
	categoryInvisible: SuggestShowBody,
}

type Checker struct {
	cfg Config
}

func NewChecker(cfg Config) *Checker {
	return &Checker{cfg: cfg}
}

// Check classifies one frame. The suggestion comes from the highest-priority
// failing category; every detected issue is listed.
func (c *Checker) Check(frame models.Frame) models.PositionStatus {
	status := models.PositionStatus{Issues: []string{}}

	shoulderY := (frame[models.LeftShoulder].Y + frame[models.RightShoulder].Y) / 2
	ankleY := (frame[models.LeftAnkle].Y + frame[models.RightAnkle].Y) / 2
	status.BodyHeightRatio = ankleY - shoulderY
	status.ShoulderWidthRatio = math.Abs(frame[models.LeftShoulder].X - frame[models.RightShoulder].X)

	failed := map[category]bool{}
	flag := func(cat category, issue string) {
		failed[cat] = true
		status.Issues = append(status.Issues, issue)
	}

	for _, p := range visibilityPoints {
		if frame[p.id].Visibility < c.cfg.MinVisibility {
			flag(categoryInvisible, p.name+" not visible")
		}
	}

	lo, hi := c.cfg.Margin, 1-c.cfg.Margin
	var top, bottom, sides bool
	for _, id := range boundaryPoints {
		lm := frame[id]
		if lm.Y < lo {
			top = true
		}
		if lm.Y > hi {
			bottom = true
		}
		if lm.X < lo || lm.X > hi {
			sides = true
		}
	}
	if top {
		flag(categoryOutTop, "head out of frame")
	}
	if bottom {
		flag(categoryOutBottom, "feet out of frame")
	}
	if sides {
		flag(categoryOutSides, "body out of frame at the sides")
	}

	if status.BodyHeightRatio < c.cfg.MinBodyHeight {
		flag(categoryTooFar, "too far from camera")
	} else if status.BodyHeightRatio > c.cfg.MaxBodyHeight {
		flag(categoryTooClose, "too close to camera")
	}

	for cat := categoryTooFar; cat <= categoryInvisible; cat++ {
		if failed[cat] {
			s := suggestions[cat]
			status.Suggestion = &s
			break
		}
	}
	status.IsReady = len(failed) == 0

	return status
}

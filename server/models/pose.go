package models

import "math"

// LandmarkCount is the number of keypoints the pose estimator emits per frame.
const LandmarkCount = 33

// Anatomical landmark ids. The id is the index into a Frame.
const (
	Nose          = 0
	LeftEar       = 7
	LeftShoulder  = 11
	RightShoulder = 12
	LeftWrist     = 15
	RightWrist    = 16
	LeftHip       = 23
	RightHip      = 24
	LeftKnee      = 25
	RightKnee     = 26
	LeftAnkle     = 27
	RightAnkle    = 28
)

type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

// Frame is one landmark set produced by the pose estimator. It is treated as
// immutable for the duration of one frame's processing.
type Frame []Landmark

// Valid reports whether the frame carries a complete, finite landmark set.
func (f Frame) Valid() bool {
	if len(f) != LandmarkCount {
		return false
	}
	for _, lm := range f {
		if !finite(lm.X) || !finite(lm.Y) || !finite(lm.Z) || !finite(lm.Visibility) {
			return false
		}
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// FrameRequest is the transport-level envelope for one landmark frame. The
// session is named by the route or the connection, never by the body.
type FrameRequest struct {
	Landmarks []Landmark `json:"landmarks"`
	Timestamp int64      `json:"timestamp"`
}

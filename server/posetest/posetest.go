// Package posetest builds synthetic side-view landmark frames with a chosen
// hip angle and spine curvature for tests.
package posetest

import (
	"math"

	"github.com/san-kum/liftform/server/models"
)

// Pose describes a lifter seen from the side, facing +x.
type Pose struct {
	// HipAngle is the shoulder-hip-knee angle in degrees (180 = upright).
	HipAngle float64
	// SpineCurvature is the angle between the neck and torso segments in degrees.
	SpineCurvature float64
	Visibility     float64
	// Scale shrinks or grows the body around the hip; 1 is a well framed lifter.
	Scale float64
}

const (
	hipX, hipY = 0.5, 0.55
	thigh      = 0.17
	shin       = 0.16
	torso      = 0.25
	neck       = 0.10
	halfWidth  = 0.02
)

// Build renders p into a complete 33-landmark frame.
func Build(p Pose) models.Frame {
	if p.Scale == 0 {
		p.Scale = 1
	}
	if p.Visibility == 0 {
		p.Visibility = 0.99
	}

	at := func(dx, dy float64) models.Landmark {
		return models.Landmark{
			X:          hipX + dx*p.Scale,
			Y:          hipY + dy*p.Scale,
			Visibility: p.Visibility,
		}
	}

	theta := p.HipAngle * math.Pi / 180
	sx, sy := torso*math.Sin(theta), torso*math.Cos(theta)
	headTheta := (p.HipAngle - p.SpineCurvature) * math.Pi / 180
	nx, ny := sx+neck*math.Sin(headTheta), sy+neck*math.Cos(headTheta)

	frame := make(models.Frame, models.LandmarkCount)
	for i := range frame {
		frame[i] = at(0, 0)
	}

	frame[models.Nose] = at(nx, ny)
	frame[models.LeftEar] = at(nx-0.01, ny)
	frame[models.LeftShoulder] = at(sx-halfWidth, sy)
	frame[models.RightShoulder] = at(sx+halfWidth, sy)
	frame[models.LeftWrist] = at(sx*0.6, thigh)
	frame[models.RightWrist] = at(sx*0.6, thigh)
	frame[models.LeftHip] = at(-halfWidth, 0)
	frame[models.RightHip] = at(halfWidth, 0)
	frame[models.LeftKnee] = at(-halfWidth, thigh)
	frame[models.RightKnee] = at(halfWidth, thigh)
	frame[models.LeftAnkle] = at(-halfWidth, thigh+shin)
	frame[models.RightAnkle] = at(halfWidth, thigh+shin)

	return frame
}

// Standing is an upright lifter with a straight back.
func Standing() models.Frame {
	return Build(Pose{HipAngle: 180})
}

// At is a lifter with the given hip angle and spine curvature.
func At(hipAngle, curvature float64) models.Frame {
	return Build(Pose{HipAngle: hipAngle, SpineCurvature: curvature})
}

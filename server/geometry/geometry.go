// Package geometry holds the stateless 2D vector math used on pose landmarks.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/san-kum/liftform/server/models"
)

// Point is a landmark position projected onto the image plane (Z is always 0).
type Point = r3.Vector

// FromLandmark drops depth and visibility.
func FromLandmark(lm models.Landmark) Point {
	return Point{X: lm.X, Y: lm.Y}
}

func Midpoint(p1, p2 Point) Point {
	return Point{X: (p1.X + p2.X) / 2, Y: (p1.Y + p2.Y) / 2}
}

// MidpointOf returns the midpoint of two landmarks of a frame.
func MidpointOf(f models.Frame, a, b int) Point {
	return Midpoint(FromLandmark(f[a]), FromLandmark(f[b]))
}

// AngleBetween returns the angle in degrees between u and v, in [0, 180].
// A zero-length vector yields 0.
func AngleBetween(u, v r3.Vector) float64 {
	nu, nv := u.Norm(), v.Norm()
	if nu == 0 || nv == 0 {
		return 0
	}
	cos := u.Dot(v) / (nu * nv)
	return math.Acos(clamp(cos, -1, 1)) * 180 / math.Pi
}

// AngleAt returns the angle at vertex formed by the rays vertex→a and vertex→c.
func AngleAt(vertex, a, c Point) float64 {
	return AngleBetween(a.Sub(vertex), c.Sub(vertex))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

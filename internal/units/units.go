// Package units provides shared angle and wheel-distance conversions.
//
// Headings are in degrees, measured counter-clockwise from the +x axis, and
// are kept in [0, 360). Distances are in arena units (centimetres).
package units

import "math"

// NormalizeDegrees maps any angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg -= 360
	}
	return deg
}

// AngleError returns the shortest signed rotation from current to target, in
// (-180, 180]. Positive values are counter-clockwise.
func AngleError(target, current float64) float64 {
	e := math.Mod(target-current, 360)
	if e <= -180 {
		e += 360
	} else if e > 180 {
		e -= 360
	}
	return e
}

// Signed180 maps a heading into (-180, 180] by subtracting 360 from anything
// over 180. It expects its input in [0, 360).
func Signed180(deg float64) float64 {
	if deg > 180 {
		return deg - 360
	}
	return deg
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// ArcLength returns the distance rolled by a wheel of the given radius for a
// rotation of ticks encoder degrees.
func ArcLength(ticks, wheelRadius float64) float64 {
	return ticks * math.Pi * wheelRadius / 180
}

// TachoForDistance returns the encoder tick count (degrees of wheel
// rotation) needed to roll the given distance.
func TachoForDistance(distance, wheelRadius float64) int {
	return int(distance / (2 * math.Pi * wheelRadius) * 360)
}

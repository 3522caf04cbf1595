package correction

import (
	"math"

	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/units"
)

// Factors give, per starting corner, the side of a grid intersection the
// line sensors sit on along each axis (-1 or +1). They let every corner's
// local arithmetic land on the same global grid lines.
type Factors struct {
	XSign float64 `json:"x_sign"`
	YSign float64 `json:"y_sign"`
}

// Axis names the pose coordinate a correction snapped.
type Axis string

const (
	AxisNone Axis = ""
	AxisX    Axis = "x"
	AxisY    Axis = "y"
)

// Grid describes the floor grid and how close a heading must be to a
// cardinal direction before it is snapped.
type Grid struct {
	Spacing          float64
	SensorOffset     float64
	HeadingTolerance float64
}

var cardinals = [...]float64{0, 90, 180, 270}

// NearestCardinal returns the cardinal heading closest to heading, wrapping
// through 0/360, and the absolute distance to it.
func NearestCardinal(heading float64) (float64, float64) {
	best, bestDist := 0.0, math.Inf(1)
	for _, c := range cardinals {
		d := math.Abs(units.AngleError(c, heading))
		if d < bestDist {
			best, bestDist = c, d
		}
	}
	return best, bestDist
}

// Snap corrects p against the grid: the heading snaps to the nearest
// cardinal direction and the coordinate along that direction of travel
// snaps to the nearest grid line. Only one axis changes. When the heading is
// not within tolerance of any cardinal direction, p is returned unchanged
// with AxisNone.
func (g Grid) Snap(p odometry.Pose, f Factors) (odometry.Pose, Axis) {
	cardinal, dist := NearestCardinal(p.Heading)
	if dist >= g.HeadingTolerance {
		return p, AxisNone
	}

	p.Heading = cardinal
	switch cardinal {
	case 0, 180:
		p.X = g.snapLine(p.X, f.XSign)
		return p, AxisX
	default:
		p.Y = g.snapLine(p.Y, f.YSign)
		return p, AxisY
	}
}

func (g Grid) snapLine(v, sign float64) float64 {
	offset := sign * g.SensorOffset
	return math.Round((v-offset)/g.Spacing)*g.Spacing + offset
}

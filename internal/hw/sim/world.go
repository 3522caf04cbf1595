// Package sim is a simulated grid arena: differential-drive kinematics,
// ultrasonic ray casting against the walls and box obstacles, and floor
// line sensors over the grid. It implements the hw interfaces so the
// navigation stack runs unchanged against it.
//
// A World only moves when it is advanced, either in lockstep by a Clock
// (tests) or in real time by Run (development mode).
package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/gridnav/internal/hw"
	"github.com/banshee-data/gridnav/internal/monitoring"
	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/timeutil"
	"github.com/banshee-data/gridnav/internal/units"
)

var logf = monitoring.Tagged("sim")

// Config describes the arena and the simulated robot.
type Config struct {
	WheelRadius float64
	TrackWidth  float64
	// RightWheelScale scales the true right wheel radius against the one the
	// estimator assumes, to give dead reckoning some drift.
	RightWheelScale float64

	Arena     r2.Box
	Obstacles []r2.Box

	GridSpacing      float64
	LineWidth        float64
	LineReflectance  float64
	FloorReflectance float64
	// LineSensorLateral is each line sensor's distance from the robot's
	// centreline.
	LineSensorLateral float64

	MaxRange float64
	Step     time.Duration
}

// DefaultConfig returns a 12x12 tile arena with walls one tile outside the
// outermost grid lines and no obstacles.
func DefaultConfig() Config {
	return Config{
		WheelRadius:       2.1,
		TrackWidth:        15,
		RightWheelScale:   1,
		Arena:             r2.NewBox(-30, -30, 360, 360),
		GridSpacing:       30,
		LineWidth:         1.5,
		LineReflectance:   0.1,
		FloorReflectance:  0.6,
		LineSensorLateral: 6,
		MaxRange:          255,
		Step:              time.Millisecond,
	}
}

// World is the simulated arena and the robot in it.
type World struct {
	cfg Config

	mu      sync.Mutex
	pos     r2.Vec
	heading float64
	elapsed time.Duration

	left, right         *Motor
	front, side         *Ultrasonic
	leftLine, rightLine *Line
}

// NewWorld returns a world with the robot at the origin facing +x.
func NewWorld(cfg Config) *World {
	if cfg.RightWheelScale == 0 {
		cfg.RightWheelScale = 1
	}
	if cfg.Step <= 0 {
		cfg.Step = time.Millisecond
	}
	w := &World{cfg: cfg}
	w.left = &Motor{w: w, radius: cfg.WheelRadius}
	w.right = &Motor{w: w, radius: cfg.WheelRadius * cfg.RightWheelScale}
	w.front = &Ultrasonic{w: w, mount: 0}
	w.side = &Ultrasonic{w: w, mount: -90}
	w.leftLine = &Line{w: w, lateral: cfg.LineSensorLateral}
	w.rightLine = &Line{w: w, lateral: -cfg.LineSensorLateral}
	return w
}

// Robot returns the hardware bundle backed by this world. The side sensor
// faces right.
func (w *World) Robot() *hw.Robot {
	return &hw.Robot{
		LeftMotor:   w.left,
		RightMotor:  w.right,
		FrontSensor: w.front,
		SideSensor:  w.side,
		LeftLine:    w.leftLine,
		RightLine:   w.rightLine,
	}
}

// Place moves the robot to an exact true pose.
func (w *World) Place(x, y, heading float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pos = r2.Vec{X: x, Y: y}
	w.heading = units.NormalizeDegrees(heading)
}

// Pose returns the robot's true pose.
func (w *World) Pose() odometry.Pose {
	w.mu.Lock()
	defer w.mu.Unlock()
	return odometry.Pose{X: w.pos.X, Y: w.pos.Y, Heading: w.heading}
}

// Elapsed returns the simulated time advanced so far.
func (w *World) Elapsed() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.elapsed
}

// Advance moves the world forward by d in fixed steps.
func (w *World) Advance(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for d > 0 {
		dt := w.cfg.Step
		if d < dt {
			dt = d
		}
		w.step(dt)
		d -= dt
	}
}

// Run advances the world in real time until ctx is cancelled.
func (w *World) Run(ctx context.Context, clock timeutil.Clock) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ticker := clock.NewTicker(w.cfg.Step)
	defer ticker.Stop()

	logf("simulating arena %v-%v, %d obstacles", w.cfg.Arena.Min, w.cfg.Arena.Max, len(w.cfg.Obstacles))
	last := clock.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C():
			w.Advance(now.Sub(last))
			last = now
		}
	}
}

// step integrates one time slice. The caller holds w.mu.
func (w *World) step(dt time.Duration) {
	w.elapsed += dt
	dL := w.left.turn(dt)
	dR := w.right.turn(dt)
	if dL == 0 && dR == 0 {
		return
	}

	distance := (dL + dR) / 2
	dTheta := units.Degrees((dR - dL) / w.cfg.TrackWidth)

	mid := units.Radians(w.heading + dTheta/2)
	w.pos = r2.Add(w.pos, r2.Scale(distance, r2.Vec{X: math.Cos(mid), Y: math.Sin(mid)}))
	w.heading = units.NormalizeDegrees(w.heading + dTheta)
}

// rangeAlong casts a ray from the robot centre at the given offset from its
// heading and returns the distance to the first wall or obstacle face,
// clamped to the sensor's maximum range. The caller holds w.mu.
func (w *World) rangeAlong(mount float64) float64 {
	rad := units.Radians(w.heading + mount)
	dir := r2.Vec{X: math.Cos(rad), Y: math.Sin(rad)}

	best := w.cfg.MaxRange
	if d, ok := exitDistance(w.cfg.Arena, w.pos, dir); ok && d < best {
		best = d
	}
	for _, b := range w.cfg.Obstacles {
		if d, ok := entryDistance(b, w.pos, dir); ok && d < best {
			best = d
		}
	}
	return best
}

// reflectance returns the floor reflectance under a point on the axle line,
// lateral units to the robot's left. The caller holds w.mu.
func (w *World) reflectance(lateral float64) float64 {
	rad := units.Radians(w.heading)
	left := r2.Vec{X: -math.Sin(rad), Y: math.Cos(rad)}
	at := r2.Add(w.pos, r2.Scale(lateral, left))

	half := w.cfg.LineWidth / 2
	if nearLine(at.X, w.cfg.GridSpacing, half) || nearLine(at.Y, w.cfg.GridSpacing, half) {
		return w.cfg.LineReflectance
	}
	return w.cfg.FloorReflectance
}

func nearLine(v, spacing, half float64) bool {
	return math.Abs(v-math.Round(v/spacing)*spacing) <= half
}

// exitDistance returns how far a ray starting inside box travels before
// leaving it.
func exitDistance(box r2.Box, p, dir r2.Vec) (float64, bool) {
	if !box.Contains(p) {
		return 0, false
	}
	best := math.Inf(1)
	if dir.X > 0 {
		best = math.Min(best, (box.Max.X-p.X)/dir.X)
	} else if dir.X < 0 {
		best = math.Min(best, (box.Min.X-p.X)/dir.X)
	}
	if dir.Y > 0 {
		best = math.Min(best, (box.Max.Y-p.Y)/dir.Y)
	} else if dir.Y < 0 {
		best = math.Min(best, (box.Min.Y-p.Y)/dir.Y)
	}
	return best, !math.IsInf(best, 1)
}

// entryDistance returns how far a ray travels before entering box, using
// the slab method.
func entryDistance(box r2.Box, p, dir r2.Vec) (float64, bool) {
	tMin, tMax := math.Inf(-1), math.Inf(1)
	for _, axis := range [2]struct{ p, d, lo, hi float64 }{
		{p.X, dir.X, box.Min.X, box.Max.X},
		{p.Y, dir.Y, box.Min.Y, box.Max.Y},
	} {
		if axis.d == 0 {
			if axis.p < axis.lo || axis.p > axis.hi {
				return 0, false
			}
			continue
		}
		t1 := (axis.lo - axis.p) / axis.d
		t2 := (axis.hi - axis.p) / axis.d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tMin = math.Max(tMin, t1)
		tMax = math.Min(tMax, t2)
	}
	if tMax < tMin || tMax < 0 {
		return 0, false
	}
	if tMin < 0 {
		return 0, true
	}
	hit := r2.Add(p, r2.Scale(tMin, dir))
	return r2.Norm(r2.Sub(hit, p)), true
}

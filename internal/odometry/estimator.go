// Package odometry maintains the robot's dead-reckoned pose from wheel
// encoder deltas.
//
// The Estimator owns the single shared Pose. Its periodic Update is the only
// incremental writer; grid correction and localization overwrite fields
// through Set or Modify. Every read and write holds the estimator lock for
// the whole field group, so a reader never sees x from one update next to a
// heading from another.
package odometry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/gridnav/internal/hw"
	"github.com/banshee-data/gridnav/internal/monitoring"
	"github.com/banshee-data/gridnav/internal/timeutil"
	"github.com/banshee-data/gridnav/internal/units"
)

var logf = monitoring.Tagged("odometry")

// Pose is a position in arena units and a heading in degrees, counter-clockwise
// from +x, always in [0, 360).
type Pose struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

func (p Pose) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f°)", p.X, p.Y, p.Heading)
}

// Field selects pose fields for a partial overwrite.
type Field uint8

const (
	FieldX Field = 1 << iota
	FieldY
	FieldHeading

	FieldAll = FieldX | FieldY | FieldHeading
)

// Config holds the drive geometry and update period.
type Config struct {
	WheelRadius float64
	TrackWidth  float64
	Period      time.Duration
}

// DefaultConfig returns the geometry of the competition robot.
func DefaultConfig() Config {
	return Config{
		WheelRadius: 2.1,
		TrackWidth:  15.0,
		Period:      30 * time.Millisecond,
	}
}

// Estimator integrates encoder deltas into the shared pose.
type Estimator struct {
	cfg   Config
	left  hw.Motor
	right hw.Motor
	clock timeutil.Clock

	mu        sync.RWMutex
	pose      Pose
	lastLeft  int
	lastRight int
	seeded    bool
	updates   uint64
}

// NewEstimator returns an Estimator reading the two drive motors' encoders.
// The pose starts at the origin facing +x until localization overwrites it.
func NewEstimator(cfg Config, left, right hw.Motor, clock timeutil.Clock) *Estimator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Estimator{
		cfg:   cfg,
		left:  left,
		right: right,
		clock: clock,
	}
}

// Run calls Update once per period until ctx is cancelled.
func (e *Estimator) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.cfg.Period)
	defer ticker.Stop()

	logf("dead reckoning every %v", e.cfg.Period)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			e.Update()
		}
	}
}

// Update reads both encoders and integrates the motion since the previous
// read. The first call only records the starting counts.
func (e *Estimator) Update() {
	l := e.left.TachoCount()
	r := e.right.TachoCount()

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.seeded {
		e.lastLeft, e.lastRight = l, r
		e.seeded = true
		return
	}

	dL := units.ArcLength(float64(l-e.lastLeft), e.cfg.WheelRadius)
	dR := units.ArcLength(float64(r-e.lastRight), e.cfg.WheelRadius)
	e.lastLeft, e.lastRight = l, r
	e.updates++

	e.pose = Integrate(e.pose, dL, dR, e.cfg.TrackWidth)
}

// Integrate advances pose by the given left and right wheel arc lengths.
// Translation uses the heading from before the step.
func Integrate(p Pose, dL, dR, trackWidth float64) Pose {
	distance := (dL + dR) / 2
	dTheta := units.Degrees((dR - dL) / trackWidth)

	rad := units.Radians(p.Heading)
	p.X += distance * math.Cos(rad)
	p.Y += distance * math.Sin(rad)
	p.Heading = units.NormalizeDegrees(p.Heading + dTheta)
	return p
}

// Get returns a snapshot of the whole pose.
func (e *Estimator) Get() Pose {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pose
}

// Heading returns the current heading.
func (e *Estimator) Heading() float64 {
	return e.Get().Heading
}

// Set overwrites the selected fields of the pose with the values in p and
// leaves the others untouched. Headings are normalized.
func (e *Estimator) Set(p Pose, fields Field) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pose = merge(e.pose, p, fields)
}

// Modify applies fn to the current pose under the lock and stores its
// result, so a read-then-write correction cannot interleave with an update.
func (e *Estimator) Modify(fn func(Pose) Pose) Pose {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pose = merge(e.pose, fn(e.pose), FieldAll)
	return e.pose
}

// Updates returns the number of integration steps applied so far.
func (e *Estimator) Updates() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.updates
}

func merge(cur, next Pose, fields Field) Pose {
	if fields&FieldX != 0 {
		cur.X = next.X
	}
	if fields&FieldY != 0 {
		cur.Y = next.Y
	}
	if fields&FieldHeading != 0 {
		cur.Heading = units.NormalizeDegrees(next.Heading)
	}
	return cur
}

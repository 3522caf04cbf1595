// Package localize establishes the robot's absolute starting pose from the
// two walls of its starting corner.
//
// The robot spins in place watching the front range sensor. The falling
// edge where a wall comes into view is found once spinning clockwise and
// once counter-clockwise; the two edge headings straddle the corner
// symmetrically, so their bisector fixes the heading. The position comes
// from the corner table.
package localize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/gridnav/internal/correction"
	"github.com/banshee-data/gridnav/internal/filter"
	"github.com/banshee-data/gridnav/internal/hw"
	"github.com/banshee-data/gridnav/internal/monitoring"
	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/timeutil"
	"github.com/banshee-data/gridnav/internal/units"
)

var logf = monitoring.Tagged("localize")

// ErrInvalidCorner is returned for a starting corner outside 1-4.
var ErrInvalidCorner = errors.New("invalid starting corner")

// Corner is a starting corner of the arena, numbered 1-4 counter-clockwise
// from the origin.
type Corner int

type cornerInfo struct {
	pose    odometry.Pose
	factors correction.Factors
}

var corners = map[Corner]cornerInfo{
	1: {odometry.Pose{X: 0, Y: 0, Heading: 0}, correction.Factors{XSign: -1, YSign: -1}},
	2: {odometry.Pose{X: 330, Y: 0, Heading: 90}, correction.Factors{XSign: 1, YSign: -1}},
	3: {odometry.Pose{X: 330, Y: 330, Heading: 180}, correction.Factors{XSign: 1, YSign: 1}},
	4: {odometry.Pose{X: 0, Y: 330, Heading: 270}, correction.Factors{XSign: -1, YSign: 1}},
}

// Validate reports whether c names one of the four corners.
func (c Corner) Validate() error {
	if _, ok := corners[c]; !ok {
		return fmt.Errorf("%w: %d (want 1-4)", ErrInvalidCorner, int(c))
	}
	return nil
}

// Pose returns the pose the robot holds after localizing in c.
func (c Corner) Pose() odometry.Pose {
	return corners[c].pose
}

// Factors returns the grid correction factors for c.
func (c Corner) Factors() correction.Factors {
	return corners[c].factors
}

// ReferenceHeading bisects the two falling-edge headings, the first found
// spinning clockwise and the second counter-clockwise, and returns the
// heading 45 degrees clockwise of the bisector pointing away from the
// corner. Both inputs are in [0, 360).
func ReferenceHeading(a, b float64) float64 {
	a, b = units.Signed180(a), units.Signed180(b)
	var h float64
	if a < b {
		h = (a+b)/2 - 45
	} else {
		h = (a+b)/2 - 225
	}
	return units.NormalizeDegrees(h)
}

// PoseStore is the part of the estimator localization reads and overwrites.
type PoseStore interface {
	Heading() float64
	Set(p odometry.Pose, fields odometry.Field)
}

// Rotator turns the robot in place to an absolute heading.
type Rotator interface {
	RotateTo(ctx context.Context, heading float64) error
}

// FactorSink receives the corner's correction factors.
type FactorSink interface {
	SetFactors(f correction.Factors)
}

// Config tunes the spin and the wall edge thresholds.
type Config struct {
	Speed        float64
	WallClear    float64
	WallDetect   float64
	PollInterval time.Duration

	DistanceThreshold float64
	FilterRetries     int
	RetryInterval     time.Duration
}

// DefaultConfig returns the competition tuning.
func DefaultConfig() Config {
	return Config{
		Speed:             125,
		WallClear:         41,
		WallDetect:        40,
		PollInterval:      5 * time.Millisecond,
		DistanceThreshold: 15,
		FilterRetries:     15,
		RetryInterval:     5 * time.Millisecond,
	}
}

// Result records one localization.
type Result struct {
	Corner    Corner
	EdgeA     float64
	EdgeB     float64
	Reference float64
	Start     odometry.Pose
}

// Localizer runs the falling-edge routine once before navigation.
type Localizer struct {
	cfg     Config
	robot   *hw.Robot
	pose    PoseStore
	rotator Rotator
	factors FactorSink
	clock   timeutil.Clock
}

// New returns a Localizer.
func New(cfg Config, robot *hw.Robot, pose PoseStore, rotator Rotator, factors FactorSink, clock timeutil.Clock) *Localizer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Localizer{
		cfg:     cfg,
		robot:   robot,
		pose:    pose,
		rotator: rotator,
		factors: factors,
		clock:   clock,
	}
}

// Localize finds the heading against the walls of corner, turns to it and
// overwrites the pose and correction factors from the corner table. An
// invalid corner fails before anything moves.
func (l *Localizer) Localize(ctx context.Context, corner Corner) (Result, error) {
	res := Result{Corner: corner}
	if err := corner.Validate(); err != nil {
		return res, err
	}

	l.robot.SideSensor.Disable()
	l.robot.FrontSensor.Enable()

	front := filter.NewTracker(&filter.Bounded{
		Threshold: l.cfg.DistanceThreshold,
		Retries:   l.cfg.FilterRetries,
		Interval:  l.cfg.RetryInterval,
		Clock:     l.clock,
	}, l.robot.FrontSensor.Fetch)

	var err error
	l.robot.Spin(l.cfg.Speed, -1)
	if res.EdgeA, err = l.fallingEdge(ctx, front); err != nil {
		l.robot.Halt()
		return res, fmt.Errorf("localize corner %d: %w", corner, err)
	}
	l.robot.Spin(l.cfg.Speed, 1)
	if res.EdgeB, err = l.fallingEdge(ctx, front); err != nil {
		l.robot.Halt()
		return res, fmt.Errorf("localize corner %d: %w", corner, err)
	}

	res.Reference = ReferenceHeading(res.EdgeA, res.EdgeB)
	logf("corner %d: edges %.1f and %.1f, reference %.1f", corner, res.EdgeA, res.EdgeB, res.Reference)
	if err := l.rotator.RotateTo(ctx, res.Reference); err != nil {
		return res, fmt.Errorf("localize corner %d: %w", corner, err)
	}

	res.Start = corner.Pose()
	l.pose.Set(res.Start, odometry.FieldAll)
	l.factors.SetFactors(corner.Factors())
	logf("corner %d: pose set to %v", corner, res.Start)
	return res, nil
}

// fallingEdge waits for the reading to rise to the clear threshold and then
// drop to the detect threshold, returning the heading at the drop.
func (l *Localizer) fallingEdge(ctx context.Context, front *filter.Tracker) (float64, error) {
	for front.Read().Value < l.cfg.WallClear {
		if err := l.wait(ctx); err != nil {
			return 0, err
		}
	}
	for front.Read().Value > l.cfg.WallDetect {
		if err := l.wait(ctx); err != nil {
			return 0, err
		}
	}
	return l.pose.Heading(), nil
}

func (l *Localizer) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.clock.Sleep(l.cfg.PollInterval)
	return nil
}

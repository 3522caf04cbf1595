// Package navigate drives the robot to grid coordinates along two
// axis-aligned legs, rotating in place between them and detouring around
// obstacles reported by the front range sensor.
//
// Every wait polls the shared pose or a filtered sensor reading through the
// injected Clock. Waits are unbounded; the only error a Navigator returns is
// the context's, so a caller passing context.Background() blocks until the
// motion completes.
package navigate

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/gridnav/internal/filter"
	"github.com/banshee-data/gridnav/internal/hw"
	"github.com/banshee-data/gridnav/internal/monitoring"
	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/timeutil"
	"github.com/banshee-data/gridnav/internal/units"
)

var logf = monitoring.Tagged("navigate")

// PoseReader supplies pose snapshots.
type PoseReader interface {
	Get() odometry.Pose
}

// Corrector is the grid correction control the navigator toggles around
// each leg.
type Corrector interface {
	Enable(on bool)
	Relocalize()
}

// Config tunes speeds, tolerances and sensor thresholds.
type Config struct {
	WheelRadius  float64
	PollInterval time.Duration

	RotateSpeed float64
	TravelSpeed float64
	AvoidSpeed  float64

	RotateTolerance  float64
	LegTolerance     float64
	ArrivalTolerance float64

	ObstacleDistance float64
	ClearDistance    float64
	AvoidAdvance     float64

	DistanceThreshold float64
	FilterRetries     int
	RetryInterval     time.Duration
}

// DefaultConfig returns the competition tuning.
func DefaultConfig() Config {
	return Config{
		WheelRadius:       2.1,
		PollInterval:      5 * time.Millisecond,
		RotateSpeed:       150,
		TravelSpeed:       200,
		AvoidSpeed:        300,
		RotateTolerance:   1,
		LegTolerance:      1,
		ArrivalTolerance:  2,
		ObstacleDistance:  15,
		ClearDistance:     60,
		AvoidAdvance:      18,
		DistanceThreshold: 15,
		FilterRetries:     15,
		RetryInterval:     5 * time.Millisecond,
	}
}

// Navigator issues motion commands. It is not safe for concurrent use;
// callers run one command at a time from a single control task.
type Navigator struct {
	cfg   Config
	robot *hw.Robot
	pose  PoseReader
	corr  Corrector
	clock timeutil.Clock
	dist  *filter.Bounded
}

// New returns a Navigator driving robot. corr may be nil when no grid
// correction runs.
func New(cfg Config, robot *hw.Robot, pose PoseReader, corr Corrector, clock timeutil.Clock) *Navigator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if corr == nil {
		corr = noCorrection{}
	}
	return &Navigator{
		cfg:   cfg,
		robot: robot,
		pose:  pose,
		corr:  corr,
		clock: clock,
		dist: &filter.Bounded{
			Threshold: cfg.DistanceThreshold,
			Retries:   cfg.FilterRetries,
			Interval:  cfg.RetryInterval,
			Clock:     clock,
		},
	}
}

type noCorrection struct{}

func (noCorrection) Enable(bool) {}
func (noCorrection) Relocalize() {}

// TurnDirection returns the spin direction RotateTo uses to reach target
// from heading: +1 counter-clockwise, -1 clockwise.
func TurnDirection(target, heading float64) int {
	e := target - heading
	switch {
	case e < -180:
		return 1
	case e < 0:
		return -1
	case e > 180:
		return -1
	default:
		return 1
	}
}

// InitialHeading picks the first leg's heading for a displacement of
// (dx, dy) so that the second leg, turned 90 degrees counter-clockwise from
// it, also points toward the target. Displacements within tol of zero on
// one axis use a single leg along the other.
func InitialHeading(dx, dy, tol float64) float64 {
	switch {
	case math.Abs(dx) <= tol && math.Abs(dy) <= tol:
		return 0
	case math.Abs(dx) <= tol:
		if dy > 0 {
			return 0
		}
		return 180
	case math.Abs(dy) <= tol:
		if dx > 0 {
			return 0
		}
		return 180
	case dx < 0 && dy < 0:
		return 180
	case dx < 0 && dy > 0:
		return 90
	case dx > 0 && dy < 0:
		return 270
	default:
		return 0
	}
}

// RotateTo spins in place until the heading is within tolerance of target,
// taking the shorter way round, then stops.
func (n *Navigator) RotateTo(ctx context.Context, target float64) error {
	target = units.NormalizeDegrees(target)
	n.robot.Spin(n.cfg.RotateSpeed, TurnDirection(target, n.pose.Get().Heading))

	for math.Abs(units.AngleError(target, n.pose.Get().Heading)) >= n.cfg.RotateTolerance {
		if err := n.wait(ctx); err != nil {
			n.robot.Halt()
			return fmt.Errorf("rotate to %.1f: %w", target, err)
		}
	}
	n.robot.Halt()
	return nil
}

// TravelTo drives to (x, y) in up to two legs. With allowCorrection set,
// grid correction runs during each leg. An obstacle closer than the
// obstacle distance on either leg hands over to Avoid, which finishes the
// trip.
func (n *Navigator) TravelTo(ctx context.Context, x, y float64, allowCorrection bool) error {
	n.robot.FrontSensor.Enable()
	n.robot.SideSensor.Enable()

	start := n.pose.Get()
	if arrived(start, x, y, n.cfg.ArrivalTolerance) {
		return nil
	}
	logf("travel %v -> (%.1f, %.1f)", start, x, y)

	heading := InitialHeading(x-start.X, y-start.Y, n.cfg.LegTolerance)
	if err := n.RotateTo(ctx, heading); err != nil {
		return err
	}

	alongAxis := func(p odometry.Pose) bool {
		if heading == 0 || heading == 180 {
			return math.Abs(p.X-x) <= n.cfg.LegTolerance
		}
		return math.Abs(p.Y-y) <= n.cfg.LegTolerance
	}
	avoided, err := n.leg(ctx, heading, x, y, allowCorrection, alongAxis)
	if err != nil || avoided {
		return err
	}
	n.corr.Enable(false)

	if !arrived(n.pose.Get(), x, y, n.cfg.ArrivalTolerance) {
		heading = units.NormalizeDegrees(heading + 90)
		if err := n.RotateTo(ctx, heading); err != nil {
			return err
		}
		done := func(p odometry.Pose) bool { return arrived(p, x, y, n.cfg.ArrivalTolerance) }
		avoided, err = n.leg(ctx, heading, x, y, allowCorrection, done)
		if err != nil || avoided {
			return err
		}
	}

	n.robot.Halt()
	n.corr.Enable(false)
	logf("arrived at %v", n.pose.Get())
	return nil
}

// leg drives forward on heading until done reports true, watching the front
// sensor. It reports whether an obstacle diverted it into Avoid.
func (n *Navigator) leg(ctx context.Context, heading, x, y float64, allowCorrection bool, done func(odometry.Pose) bool) (bool, error) {
	if allowCorrection {
		n.corr.Relocalize()
		n.corr.Enable(true)
	}
	n.robot.Drive(n.cfg.TravelSpeed, true)

	front := filter.NewTracker(n.dist, n.robot.FrontSensor.Fetch)
	for !done(n.pose.Get()) {
		if r := front.Read(); r.Value < n.cfg.ObstacleDistance {
			n.corr.Enable(false)
			logf("obstacle %.1f ahead at %v", r.Value, n.pose.Get())
			return true, n.Avoid(ctx, heading, x, y)
		}
		if err := n.wait(ctx); err != nil {
			n.robot.Halt()
			n.corr.Enable(false)
			return false, fmt.Errorf("travel to (%.1f, %.1f): %w", x, y, err)
		}
	}
	return false, nil
}

// Avoid detours around an obstacle in front of the robot: it turns left
// until the way ahead is clear, drives past the obstacle on its right side,
// turns back and drives past it again, then resumes the trip to (x, y) with
// correction allowed.
func (n *Navigator) Avoid(ctx context.Context, heading, x, y float64) error {
	n.robot.FrontSensor.Enable()
	n.robot.SideSensor.Enable()

	front := filter.NewTracker(n.dist, n.robot.FrontSensor.Fetch)
	for front.Read().Value < n.cfg.ClearDistance {
		heading = units.NormalizeDegrees(heading + 90)
		if err := n.RotateTo(ctx, heading); err != nil {
			return fmt.Errorf("avoid: %w", err)
		}
	}

	side := filter.NewTracker(n.dist, n.robot.SideSensor.Fetch)
	for _, turn := range []float64{0, -90} {
		if turn != 0 {
			heading = units.NormalizeDegrees(heading + turn)
			if err := n.RotateTo(ctx, heading); err != nil {
				return fmt.Errorf("avoid: %w", err)
			}
		}
		n.robot.Drive(n.cfg.AvoidSpeed, true)
		if err := n.pass(ctx, side); err != nil {
			return fmt.Errorf("avoid: %w", err)
		}
		if err := n.forwardAt(ctx, n.cfg.AvoidAdvance, n.cfg.AvoidSpeed); err != nil {
			return fmt.Errorf("avoid: %w", err)
		}
	}
	n.robot.Halt()

	logf("detour done at %v", n.pose.Get())
	return n.TravelTo(ctx, x, y, true)
}

// pass waits until the side sensor first sees something within the clear
// distance and then loses it again.
func (n *Navigator) pass(ctx context.Context, side *filter.Tracker) error {
	for side.Read().Value > n.cfg.ClearDistance {
		if err := n.wait(ctx); err != nil {
			return err
		}
	}
	for side.Read().Value < n.cfg.ClearDistance {
		if err := n.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Forward drives straight ahead at travel speed until the left wheel has
// rolled distance. The motors are left running.
func (n *Navigator) Forward(ctx context.Context, distance float64) error {
	return n.forwardAt(ctx, distance, n.cfg.TravelSpeed)
}

func (n *Navigator) forwardAt(ctx context.Context, distance, speed float64) error {
	target := n.robot.LeftMotor.TachoCount() + units.TachoForDistance(distance, n.cfg.WheelRadius)
	n.robot.Drive(speed, true)
	for n.robot.LeftMotor.TachoCount() < target {
		if err := n.wait(ctx); err != nil {
			return fmt.Errorf("forward %.1f: %w", distance, err)
		}
	}
	return nil
}

func (n *Navigator) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.clock.Sleep(n.cfg.PollInterval)
	return nil
}

func arrived(p odometry.Pose, x, y, tol float64) bool {
	return math.Abs(p.X-x) <= tol && math.Abs(p.Y-y) <= tol
}

// Package correction bounds dead-reckoning drift with two floor-line sensors.
//
// The Monitor runs as its own task. Each sensor carries a crossed flag that
// is set when a filtered reading darkens by more than the threshold and
// cleared when it brightens again. When one sensor reaches a line before the
// other, the monitor holds that side's motor until the second sensor
// reaches the line, squaring the robot up, then snaps the pose to the grid.
// A simultaneous crossing snaps directly. Leaving a line never triggers a
// correction.
package correction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/gridnav/internal/filter"
	"github.com/banshee-data/gridnav/internal/hw"
	"github.com/banshee-data/gridnav/internal/monitoring"
	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/timeutil"
)

var logf = monitoring.Tagged("correction")

// PoseStore is the part of the estimator the monitor writes through.
type PoseStore interface {
	Get() odometry.Pose
	Modify(fn func(odometry.Pose) odometry.Pose) odometry.Pose
}

// Kind describes how a correction was triggered.
type Kind string

const (
	KindAlignedLeft  Kind = "aligned_left"
	KindAlignedRight Kind = "aligned_right"
	KindStraight     Kind = "straight"
)

// Correction records one snap of the pose to the grid.
type Correction struct {
	Kind   Kind
	Axis   Axis
	Before odometry.Pose
	After  odometry.Pose
	At     time.Time
}

// Config tunes the monitor.
type Config struct {
	Grid          Grid
	LineThreshold float64
	FilterRetries int
	// RetryInterval is the pause before each line sensor re-sample. The
	// brick serves cached readings, so back-to-back re-samples would only
	// repeat a spike.
	RetryInterval time.Duration
	SettleDelay   time.Duration
	PollInterval  time.Duration
}

// DefaultConfig returns the competition tuning.
func DefaultConfig() Config {
	return Config{
		Grid: Grid{
			Spacing:          30,
			HeadingTolerance: 10,
		},
		LineThreshold: 0.15,
		FilterRetries: 15,
		RetryInterval: 2 * time.Millisecond,
		SettleDelay:   500 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	}
}

// lineState is the per-sensor crossing state. Only the Run goroutine
// touches it.
type lineState struct {
	sensor  hw.LineSensor
	last    float64
	primed  bool
	crossed bool
}

// Monitor watches the line sensors and corrects the shared pose.
type Monitor struct {
	cfg    Config
	pose   PoseStore
	robot  *hw.Robot
	clock  timeutil.Clock
	filter *filter.Bounded

	enabled atomic.Bool
	reset   atomic.Bool

	mu       sync.Mutex
	factors  Factors
	observer func(Correction)
	count    int

	left  lineState
	right lineState
}

// NewMonitor returns a Monitor using the robot's line sensors and drive
// motors. Correction starts disabled.
func NewMonitor(cfg Config, pose PoseStore, robot *hw.Robot, clock timeutil.Clock) *Monitor {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Monitor{
		cfg:   cfg,
		pose:  pose,
		robot: robot,
		clock: clock,
		filter: &filter.Bounded{
			Threshold: cfg.LineThreshold,
			Retries:   cfg.FilterRetries,
			Interval:  cfg.RetryInterval,
			Clock:     clock,
		},
		left:  lineState{sensor: robot.LeftLine},
		right: lineState{sensor: robot.RightLine},
	}
}

// Enable turns correction on or off. The flag is consulted at the top of
// every correction decision.
func (m *Monitor) Enable(on bool) {
	m.enabled.Store(on)
}

// Enabled reports whether correction is on.
func (m *Monitor) Enabled() bool {
	return m.enabled.Load()
}

// SetFactors installs the starting corner's correction factors.
func (m *Monitor) SetFactors(f Factors) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factors = f
}

// Factors returns the installed correction factors.
func (m *Monitor) Factors() Factors {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.factors
}

// Observe registers fn to receive every applied correction. It is called
// from the monitor goroutine.
func (m *Monitor) Observe(fn func(Correction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// Corrections returns how many corrections have been applied.
func (m *Monitor) Corrections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Relocalize discards both sensors' crossing state, so flags left over
// from spinning in place over a line do not trigger a spurious alignment on
// the new leg. Call it before Enable(true): a cycle that observes the
// enable also observes the reset before acting on any crossing.
func (m *Monitor) Relocalize() {
	m.reset.Store(true)
}

// Run monitors the line sensors until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.robot.LeftLine.SetIllumination(true)
	m.robot.RightLine.SetIllumination(true)
	m.prime()

	logf("watching floor lines every %v", m.cfg.PollInterval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.cycle(ctx)
		m.clock.Sleep(m.cfg.PollInterval)
	}
}

func (m *Monitor) prime() {
	for _, s := range []*lineState{&m.left, &m.right} {
		s.last = m.filter.Read(s.sensor.Fetch, 0, false).Value
		s.primed = true
		s.crossed = false
	}
}

// sample takes one filtered reading and updates the crossed flag when it
// deviates from the last accepted value. It reports whether the sensor has
// just reached a line.
func (m *Monitor) sample(s *lineState) bool {
	r := m.filter.Read(s.sensor.Fetch, s.last, s.primed)
	reached := false
	if s.primed && r.Deviated(m.cfg.LineThreshold) {
		darker := r.Value < s.last
		reached = darker && !s.crossed
		s.crossed = darker
	}
	s.last = r.Value
	s.primed = true
	return reached
}

// cycle runs one monitoring step.
func (m *Monitor) cycle(ctx context.Context) {
	if m.reset.Swap(false) {
		m.prime()
	}

	leftReached := m.sample(&m.left)
	rightReached := m.sample(&m.right)

	if !leftReached && !rightReached {
		return
	}
	if !m.Enabled() {
		return
	}
	// Relocalize is stored before Enable(true), so a reset that arrived
	// while sampling is visible here and the flags above are stale.
	if m.reset.Swap(false) {
		m.prime()
		return
	}

	switch {
	case m.left.crossed && m.right.crossed:
		m.apply(KindStraight)
		m.clock.Sleep(m.cfg.SettleDelay)
	case m.left.crossed:
		m.align(ctx, m.robot.LeftMotor, &m.right, KindAlignedLeft)
	default:
		m.align(ctx, m.robot.RightMotor, &m.left, KindAlignedRight)
	}
}

// align holds the motor on the side that reached the line first until the
// trailing sensor sees a darkening of more than the threshold, then resumes
// and corrects.
func (m *Monitor) align(ctx context.Context, lead hw.Motor, trailing *lineState, kind Kind) {
	lead.Stop(true)
	for !trailing.crossed {
		if ctx.Err() != nil {
			lead.Forward()
			return
		}
		prev := trailing.last
		r := m.filter.Read(trailing.sensor.Fetch, prev, true)
		trailing.last = r.Value
		trailing.crossed = prev-r.Value > m.cfg.LineThreshold
		if !trailing.crossed {
			m.clock.Sleep(m.cfg.PollInterval)
		}
	}
	lead.Forward()

	m.apply(kind)
	m.clock.Sleep(m.cfg.SettleDelay)
}

// Correct snaps the shared pose to the grid once and reports what changed.
func (m *Monitor) Correct() Correction {
	return m.apply(KindStraight)
}

func (m *Monitor) apply(kind Kind) Correction {
	f := m.Factors()

	var c Correction
	m.pose.Modify(func(p odometry.Pose) odometry.Pose {
		c.Before = p
		c.After, c.Axis = m.cfg.Grid.Snap(p, f)
		return c.After
	})
	c.Kind = kind
	c.At = m.clock.Now()

	if c.Axis == AxisNone {
		logf("%s crossing at %v: heading not near a cardinal direction, pose kept", kind, c.Before)
		return c
	}

	m.mu.Lock()
	m.count++
	observer := m.observer
	m.mu.Unlock()

	logf("%s crossing: %v -> %v", kind, c.Before, c.After)
	if observer != nil {
		observer(c)
	}
	return c
}

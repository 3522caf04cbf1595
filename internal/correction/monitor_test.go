package correction

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/gridnav/internal/hw"
	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/timeutil"
)

type recordingMotor struct {
	mu    sync.Mutex
	calls []string
}

func (m *recordingMotor) record(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, s)
}

func (m *recordingMotor) SetSpeed(float64) {}
func (m *recordingMotor) Forward()         { m.record("forward") }
func (m *recordingMotor) Backward()        { m.record("backward") }
func (m *recordingMotor) Stop(bool)        { m.record("stop") }
func (m *recordingMotor) TachoCount() int  { return 0 }

func (m *recordingMotor) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// scriptedLine replays readings in order and repeats the final one.
type scriptedLine struct {
	mu       sync.Mutex
	readings []float64
	next     int
	lit      atomic.Bool
	// onFetch, when set, runs after the n-th reading (from zero) is served.
	onFetch func(n int)
}

func newScriptedLine(readings ...float64) *scriptedLine {
	return &scriptedLine{readings: readings}
}

func (s *scriptedLine) Fetch() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next
	i := n
	if i >= len(s.readings) {
		i = len(s.readings) - 1
	}
	s.next++
	v := s.readings[i]
	hook := s.onFetch
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	s.mu.Lock()
	return v
}

// timedLine serves a cached reading that depends only on the mocked time,
// the way the brick streams sensor values: asking twice without time
// passing returns the same value.
type timedLine struct {
	clock *timeutil.MockClock
	epoch time.Time
	dark  func(since time.Duration) bool
}

func (l *timedLine) Fetch() float64 {
	if l.dark(l.clock.Now().Sub(l.epoch)) {
		return 0.1
	}
	return 0.6
}

func (l *timedLine) SetIllumination(bool) {}

func (s *scriptedLine) SetIllumination(on bool) { s.lit.Store(on) }

type rig struct {
	monitor    *Monitor
	estimator  *odometry.Estimator
	clock      *timeutil.MockClock
	leftMotor  *recordingMotor
	rightMotor *recordingMotor
}

func newRig(left, right hw.LineSensor, start odometry.Pose) *rig {
	return newClockedRig(timeutil.NewMockClock(time.Unix(0, 0)), left, right, start)
}

func newClockedRig(clock *timeutil.MockClock, left, right hw.LineSensor, start odometry.Pose) *rig {
	r := &rig{
		clock:      clock,
		leftMotor:  &recordingMotor{},
		rightMotor: &recordingMotor{},
	}
	robot := &hw.Robot{
		LeftMotor:  r.leftMotor,
		RightMotor: r.rightMotor,
		LeftLine:   left,
		RightLine:  right,
	}
	r.estimator = odometry.NewEstimator(odometry.DefaultConfig(), r.leftMotor, r.rightMotor, r.clock)
	r.estimator.Set(start, odometry.FieldAll)
	r.monitor = NewMonitor(DefaultConfig(), r.estimator, robot, r.clock)
	r.monitor.SetFactors(Factors{XSign: -1, YSign: -1})
	r.monitor.prime()
	return r
}

func TestCycleBothSensorsCrossTogether(t *testing.T) {
	r := newRig(newScriptedLine(0.6, 0.1), newScriptedLine(0.6, 0.1), odometry.Pose{X: 12, Y: 44, Heading: 91})
	r.monitor.Enable(true)

	var seen []Correction
	r.monitor.Observe(func(c Correction) { seen = append(seen, c) })

	r.monitor.cycle(context.Background())

	got := r.estimator.Get()
	assert.InDelta(t, 90, got.Heading, 1e-9)
	assert.InDelta(t, 30, got.Y, 1e-9)
	assert.InDelta(t, 12, got.X, 1e-9)

	require.Len(t, seen, 1)
	assert.Equal(t, KindStraight, seen[0].Kind)
	assert.Equal(t, AxisY, seen[0].Axis)
	assert.Equal(t, 1, r.monitor.Corrections())

	slept, _ := r.clock.Slept()
	assert.GreaterOrEqual(t, slept, DefaultConfig().SettleDelay)

	// Neither motor is touched on a square crossing.
	assert.Empty(t, r.leftMotor.Calls())
	assert.Empty(t, r.rightMotor.Calls())
}

func TestCycleLeftFirstHoldsLeftMotor(t *testing.T) {
	left := newScriptedLine(0.6, 0.1)
	right := newScriptedLine(0.6, 0.6, 0.6, 0.1)
	r := newRig(left, right, odometry.Pose{X: 58, Y: 0, Heading: 2})
	r.monitor.Enable(true)

	r.monitor.cycle(context.Background())

	assert.Equal(t, []string{"stop", "forward"}, r.leftMotor.Calls())
	assert.Empty(t, r.rightMotor.Calls())

	got := r.estimator.Get()
	assert.InDelta(t, 0, got.Heading, 1e-9)
	assert.InDelta(t, 60, got.X, 1e-9)
	assert.True(t, r.monitor.left.crossed)
	assert.True(t, r.monitor.right.crossed)
}

func TestCycleRightFirstHoldsRightMotor(t *testing.T) {
	left := newScriptedLine(0.6, 0.6, 0.6, 0.6, 0.1)
	right := newScriptedLine(0.6, 0.1)
	r := newRig(left, right, odometry.Pose{X: 30, Y: 95, Heading: 268})
	r.monitor.Enable(true)

	var kind Kind
	r.monitor.Observe(func(c Correction) { kind = c.Kind })
	r.monitor.cycle(context.Background())

	assert.Equal(t, []string{"stop", "forward"}, r.rightMotor.Calls())
	assert.Empty(t, r.leftMotor.Calls())
	assert.Equal(t, KindAlignedRight, kind)

	got := r.estimator.Get()
	assert.InDelta(t, 270, got.Heading, 1e-9)
	assert.InDelta(t, 90, got.Y, 1e-9)
}

func TestCycleDisabledLeavesPose(t *testing.T) {
	start := odometry.Pose{X: 12, Y: 44, Heading: 91}
	r := newRig(newScriptedLine(0.6, 0.1), newScriptedLine(0.6, 0.6), start)

	r.monitor.cycle(context.Background())

	assert.Equal(t, start, r.estimator.Get())
	assert.Equal(t, 0, r.monitor.Corrections())
	assert.Empty(t, r.leftMotor.Calls())
	// The crossing is still tracked so the flag toggles back off the line.
	assert.True(t, r.monitor.left.crossed)
}

func TestCycleLeavingLineTogglesBack(t *testing.T) {
	script := func() *scriptedLine {
		readings := []float64{0.6}
		for i := 0; i <= DefaultConfig().FilterRetries; i++ {
			readings = append(readings, 0.1)
		}
		return newScriptedLine(append(readings, 0.6)...)
	}
	r := newRig(script(), script(), odometry.Pose{Y: 44, Heading: 91})
	r.monitor.Enable(true)

	ctx := context.Background()
	r.monitor.cycle(ctx)
	require.Equal(t, 1, r.monitor.Corrections())

	r.monitor.cycle(ctx)
	assert.False(t, r.monitor.left.crossed)
	assert.False(t, r.monitor.right.crossed)
	assert.Equal(t, 1, r.monitor.Corrections())
}

func TestRelocalizeClearsCrossingState(t *testing.T) {
	r := newRig(newScriptedLine(0.6, 0.1), newScriptedLine(0.6, 0.6), odometry.Pose{Heading: 45})

	r.monitor.cycle(context.Background())
	require.True(t, r.monitor.left.crossed)

	r.monitor.Relocalize()
	r.monitor.cycle(context.Background())
	assert.False(t, r.monitor.left.crossed)
	assert.False(t, r.monitor.right.crossed)
}

// held repeats v long enough to outlast the filter's retry budget.
func held(v float64) []float64 {
	out := make([]float64, DefaultConfig().FilterRetries+1)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestLeavingLineOneSideFirstDoesNotAlign(t *testing.T) {
	left := newScriptedLine(append([]float64{0.1}, held(0.6)...)...)
	right := newScriptedLine(0.1)
	r := newRig(left, right, odometry.Pose{X: 60, Y: 15, Heading: 0})
	r.monitor.left.crossed = true
	r.monitor.right.crossed = true
	r.monitor.Enable(true)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.monitor.cycle(ctx)

	assert.False(t, r.monitor.left.crossed)
	assert.True(t, r.monitor.right.crossed)
	assert.Empty(t, r.leftMotor.Calls())
	assert.Empty(t, r.rightMotor.Calls())
	assert.Equal(t, 0, r.monitor.Corrections())
}

func TestPrimedOnLineWaitsForNextLine(t *testing.T) {
	script := func() *scriptedLine {
		readings := append([]float64{0.1}, held(0.6)...)
		return newScriptedLine(append(readings, 0.1)...)
	}
	r := newRig(script(), script(), odometry.Pose{X: 12, Y: 44, Heading: 91})
	r.monitor.Enable(true)

	ctx := context.Background()
	r.monitor.cycle(ctx)
	assert.False(t, r.monitor.left.crossed)
	assert.False(t, r.monitor.right.crossed)
	assert.Equal(t, 0, r.monitor.Corrections())

	r.monitor.cycle(ctx)
	require.Equal(t, 1, r.monitor.Corrections())
	assert.InDelta(t, 30, r.estimator.Get().Y, 1e-9)
	assert.Empty(t, r.leftMotor.Calls())
}

func TestRelocalizeDuringSampleDiscardsStaleCrossing(t *testing.T) {
	left := newScriptedLine(0.6, 0.1)
	right := newScriptedLine(0.6, 0.6)
	r := newRig(left, right, odometry.Pose{X: 58, Heading: 2})

	// The navigator starts a leg while the monitor is mid-sample: the
	// left reading was taken over the line the robot just spun on.
	left.onFetch = func(n int) {
		if n == 1 {
			r.monitor.Relocalize()
			r.monitor.Enable(true)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.monitor.cycle(ctx)

	assert.Empty(t, r.leftMotor.Calls())
	assert.Empty(t, r.rightMotor.Calls())
	assert.Equal(t, 0, r.monitor.Corrections())
	assert.False(t, r.monitor.left.crossed)
	assert.False(t, r.monitor.right.crossed)
	assert.Equal(t, odometry.Pose{X: 58, Heading: 2}, r.estimator.Get())
}

func TestCycleOnStreamedReadings(t *testing.T) {
	start := odometry.Pose{X: 12, Y: 44, Heading: 91}
	never := func(time.Duration) bool { return false }

	tests := []struct {
		name        string
		left, right func(since time.Duration) bool
		corrections int
		wantY       float64
	}{
		{
			name: "short spike is rejected",
			left: func(since time.Duration) bool {
				return since >= 20*time.Millisecond && since < 25*time.Millisecond
			},
			right:       never,
			corrections: 0,
			wantY:       44,
		},
		{
			name: "held line is a crossing",
			left: func(since time.Duration) bool {
				return since >= 20*time.Millisecond && since < 400*time.Millisecond
			},
			right: func(since time.Duration) bool {
				return since >= 20*time.Millisecond && since < 400*time.Millisecond
			},
			corrections: 1,
			wantY:       30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			epoch := time.Unix(0, 0)
			clock := timeutil.NewMockClock(epoch)
			left := &timedLine{clock: clock, epoch: epoch, dark: tt.left}
			right := &timedLine{clock: clock, epoch: epoch, dark: tt.right}
			r := newClockedRig(clock, left, right, start)
			r.monitor.Enable(true)

			toggles := 0
			crossed := false
			ctx := context.Background()
			cfg := DefaultConfig()
			for clock.Now().Sub(epoch) < time.Second {
				r.monitor.cycle(ctx)
				if r.monitor.left.crossed != crossed {
					toggles++
					crossed = r.monitor.left.crossed
				}
				clock.Sleep(cfg.PollInterval)
			}

			assert.Equal(t, tt.corrections, r.monitor.Corrections())
			assert.Equal(t, 2*tt.corrections, toggles)
			assert.Empty(t, r.leftMotor.Calls())
			assert.Empty(t, r.rightMotor.Calls())
			assert.InDelta(t, tt.wantY, r.estimator.Get().Y, 1e-9)
		})
	}
}

func TestCorrectOutsideToleranceIsNoop(t *testing.T) {
	start := odometry.Pose{X: 44, Y: 44, Heading: 45}
	r := newRig(newScriptedLine(0.6), newScriptedLine(0.6), start)

	called := false
	r.monitor.Observe(func(Correction) { called = true })

	c := r.monitor.Correct()
	assert.Equal(t, AxisNone, c.Axis)
	assert.Equal(t, start, r.estimator.Get())
	assert.False(t, called)
	assert.Equal(t, 0, r.monitor.Corrections())
}

func TestEnableAndFactors(t *testing.T) {
	r := newRig(newScriptedLine(0.6), newScriptedLine(0.6), odometry.Pose{})

	assert.False(t, r.monitor.Enabled())
	r.monitor.Enable(true)
	assert.True(t, r.monitor.Enabled())
	r.monitor.Enable(false)
	assert.False(t, r.monitor.Enabled())

	r.monitor.SetFactors(Factors{XSign: 1, YSign: -1})
	assert.Equal(t, Factors{XSign: 1, YSign: -1}, r.monitor.Factors())
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	left, right := newScriptedLine(0.6), newScriptedLine(0.6)
	r := newRig(left, right, odometry.Pose{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, n := r.clock.Slept()
		return n > 10
	}, time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, left.lit.Load())
	assert.True(t, right.lit.Load())
}

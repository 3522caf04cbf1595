package sim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/gridnav/internal/units"
)

func TestDriveStraight(t *testing.T) {
	w := NewWorld(DefaultConfig())
	w.Place(0, 0, 90)
	robot := w.Robot()

	robot.Drive(200, true)
	w.Advance(time.Second)

	p := w.Pose()
	want := units.ArcLength(200, 2.1)
	assert.InDelta(t, 0, p.X, 1e-9)
	assert.InDelta(t, want, p.Y, 1e-9)
	assert.InDelta(t, 90, p.Heading, 1e-9)
	assert.Equal(t, 200, robot.LeftMotor.TachoCount())
	assert.Equal(t, 200, robot.RightMotor.TachoCount())
	assert.Equal(t, time.Second, w.Elapsed())
}

func TestSpinInPlace(t *testing.T) {
	w := NewWorld(DefaultConfig())
	w.Place(15, 15, 0)
	robot := w.Robot()

	robot.Spin(150, 1)
	w.Advance(500 * time.Millisecond)
	ccw := w.Pose()
	assert.InDelta(t, 15, ccw.X, 1e-9)
	assert.InDelta(t, 15, ccw.Y, 1e-9)
	assert.Greater(t, ccw.Heading, 0.0)
	assert.Less(t, ccw.Heading, 180.0)

	robot.Spin(150, -1)
	w.Advance(500 * time.Millisecond)
	assert.InDelta(t, 0, units.AngleError(0, w.Pose().Heading), 1e-6)
	assert.Equal(t, 0, robot.LeftMotor.TachoCount())
}

func TestHaltStopsMotion(t *testing.T) {
	w := NewWorld(DefaultConfig())
	robot := w.Robot()

	robot.Drive(300, false)
	w.Advance(100 * time.Millisecond)
	robot.Halt()
	before := w.Pose()
	w.Advance(time.Second)

	assert.Equal(t, before, w.Pose())
	assert.Less(t, before.X, 0.0)
	assert.False(t, w.left.Running())
	assert.False(t, w.right.Running())
}

func TestUltrasonicRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Obstacles = []r2.Box{r2.NewBox(50, 50, 70, 70)}

	tests := []struct {
		name    string
		x, y, h float64
		front   float64
		side    float64
	}{
		{name: "facing near wall", x: 0, y: 0, h: 180, front: 30, side: 255},
		{name: "facing far wall clamps", x: 0, y: 0, h: 0, front: 255, side: 30},
		{name: "obstacle ahead", x: 35, y: 60, h: 0, front: 15, side: 90},
		{name: "obstacle to the right", x: 35, y: 60, h: 90, front: 255, side: 15},
		{name: "diagonal to corner", x: 0, y: 0, h: 225, front: 30 * 1.4142135623730951, side: 30 * 1.4142135623730951},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewWorld(cfg)
			w.Place(tt.x, tt.y, tt.h)
			robot := w.Robot()
			robot.FrontSensor.Enable()
			robot.SideSensor.Enable()

			assert.InDelta(t, tt.front, robot.FrontSensor.Fetch(), 1e-6)
			assert.InDelta(t, tt.side, robot.SideSensor.Fetch(), 1e-6)
		})
	}
}

func TestDisabledUltrasonicReadsMaxRange(t *testing.T) {
	w := NewWorld(DefaultConfig())
	w.Place(0, 0, 180)
	robot := w.Robot()

	assert.Equal(t, 255.0, robot.FrontSensor.Fetch())
	robot.FrontSensor.Enable()
	assert.InDelta(t, 30, robot.FrontSensor.Fetch(), 1e-9)
	robot.FrontSensor.Disable()
	assert.Equal(t, 255.0, robot.FrontSensor.Fetch())
}

func TestLineSensors(t *testing.T) {
	w := NewWorld(DefaultConfig())
	robot := w.Robot()

	// Between lines both sensors see bare floor.
	w.Place(15, 15, 0)
	assert.Equal(t, 0.6, robot.LeftLine.Fetch())
	assert.Equal(t, 0.6, robot.RightLine.Fetch())

	// Straddling the x=30 line square on, both see it.
	w.Place(30, 15, 0)
	assert.Equal(t, 0.1, robot.LeftLine.Fetch())
	assert.Equal(t, 0.1, robot.RightLine.Fetch())

	// Heading north, the left sensor is at x=9 and the right at x=21; the
	// y=30 line lies under both.
	w.Place(15, 30.5, 90)
	assert.Equal(t, 0.1, robot.LeftLine.Fetch())
	assert.Equal(t, 0.1, robot.RightLine.Fetch())

	// Skewed across a line only one sensor reaches it first.
	w.Place(29, 15, 10)
	assert.Equal(t, 0.1, robot.RightLine.Fetch())
	assert.Equal(t, 0.6, robot.LeftLine.Fetch())

	robot.LeftLine.SetIllumination(true)
	assert.True(t, w.leftLine.Lit())
	assert.False(t, w.rightLine.Lit())
}

func TestClockAdvancesWorldAndHooks(t *testing.T) {
	w := NewWorld(DefaultConfig())
	clock := NewClock(w)
	robot := w.Robot()

	calls := 0
	clock.OnSleep(func() { calls++ })

	start := clock.Now()
	robot.Drive(180, true)
	for i := 0; i < 10; i++ {
		clock.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, 10, calls)
	assert.Equal(t, 100*time.Millisecond, clock.Now().Sub(start))
	assert.Equal(t, 100*time.Millisecond, w.Elapsed())
	assert.Equal(t, 18, robot.LeftMotor.TachoCount())
}

func TestFollowerWakesInLockstep(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := NewWorld(DefaultConfig())
	clock := NewClock(w)
	f := clock.Follow()

	seen := make(chan time.Duration, 3)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer f.Leave()
		for i := 0; i < 3; i++ {
			f.Sleep(10 * time.Millisecond)
			seen <- w.Elapsed()
		}
	}()

	clock.Sleep(35 * time.Millisecond)
	<-done
	close(seen)

	var got []time.Duration
	for d := range seen {
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, got)
	assert.Equal(t, 35*time.Millisecond, w.Elapsed())
}

func TestFollowerActsBeforeLeaderResumes(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := NewWorld(DefaultConfig())
	clock := NewClock(w)
	robot := w.Robot()
	f := clock.Follow()

	// The follower stops the left motor 20ms in; the leader must not drive
	// past that instant with both wheels turning.
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer f.Leave()
		f.Sleep(20 * time.Millisecond)
		robot.LeftMotor.Stop(true)
	}()

	robot.Drive(200, true)
	clock.Sleep(100 * time.Millisecond)
	<-done

	assert.Equal(t, 4, robot.LeftMotor.TachoCount())
	assert.Equal(t, 20, robot.RightMotor.TachoCount())
}

func TestFollowerTicker(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := NewWorld(DefaultConfig())
	clock := NewClock(w)
	start := clock.Now()
	ticker := clock.Follow().NewTicker(10 * time.Millisecond)

	ticks := make(chan time.Duration, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case now := <-ticker.C():
				ticks <- now.Sub(start)
			case <-time.After(100 * time.Millisecond):
				return
			}
		}
	}()

	clock.Sleep(25 * time.Millisecond)
	ticker.Stop()
	<-done
	close(ticks)

	var got []time.Duration
	for d := range ticks {
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, got)

	// With the follower gone the leader advances on its own.
	clock.Sleep(5 * time.Millisecond)
	assert.Equal(t, 30*time.Millisecond, w.Elapsed())
}

func TestLeaveReleasesSleepingFollower(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := NewClock(NewWorld(DefaultConfig()))
	f := clock.Follow()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Sleep(time.Hour)
		f.Sleep(time.Hour)
	}()

	require.Eventually(t, func() bool {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return f.parked
	}, time.Second, time.Millisecond)
	f.Leave()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("follower still asleep after Leave")
	}
	assert.Equal(t, time.Unix(0, 0), clock.Now())
}

func TestEntryDistanceMisses(t *testing.T) {
	box := r2.NewBox(50, 50, 70, 70)

	_, ok := entryDistance(box, r2.Vec{X: 0, Y: 0}, r2.Vec{X: 0, Y: 1})
	assert.False(t, ok)
	_, ok = entryDistance(box, r2.Vec{X: 80, Y: 60}, r2.Vec{X: 1, Y: 0})
	assert.False(t, ok, "box behind the ray")

	d, ok := entryDistance(box, r2.Vec{X: 60, Y: 60}, r2.Vec{X: 1, Y: 0})
	assert.True(t, ok)
	assert.Equal(t, 0.0, d, "ray starting inside")
}

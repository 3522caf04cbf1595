package localize

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gridnav/internal/correction"
	"github.com/banshee-data/gridnav/internal/hw"
	"github.com/banshee-data/gridnav/internal/hw/sim"
	"github.com/banshee-data/gridnav/internal/navigate"
	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/testutil"
)

func TestReferenceHeading(t *testing.T) {
	tests := []struct {
		a, b float64
		want float64
	}{
		{10, 100, 10},
		{333, 117, 0},
		{63, 207, 90},
		{170, 314, 197},
		{153, 297, 180},
		{243, 27, 270},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, ReferenceHeading(tt.a, tt.b), 1e-9, "edges %v, %v", tt.a, tt.b)
	}
}

func TestCornerValidate(t *testing.T) {
	for _, c := range []Corner{1, 2, 3, 4} {
		assert.NoError(t, c.Validate())
	}
	for _, c := range []Corner{-1, 0, 5, 11} {
		err := c.Validate()
		assert.True(t, errors.Is(err, ErrInvalidCorner), "corner %d: %v", c, err)
	}
}

func TestCornerTable(t *testing.T) {
	type entry struct {
		Pose    odometry.Pose
		Factors correction.Factors
	}
	want := map[Corner]entry{
		1: {odometry.Pose{X: 0, Y: 0, Heading: 0}, correction.Factors{XSign: -1, YSign: -1}},
		2: {odometry.Pose{X: 330, Y: 0, Heading: 90}, correction.Factors{XSign: 1, YSign: -1}},
		3: {odometry.Pose{X: 330, Y: 330, Heading: 180}, correction.Factors{XSign: 1, YSign: 1}},
		4: {odometry.Pose{X: 0, Y: 330, Heading: 270}, correction.Factors{XSign: -1, YSign: 1}},
	}
	got := map[Corner]entry{}
	for c := Corner(1); c <= 4; c++ {
		got[c] = entry{c.Pose(), c.Factors()}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("corner table mismatch (-want +got):\n%s", diff)
	}
}

type factorRecorder struct {
	got []correction.Factors
}

func (f *factorRecorder) SetFactors(v correction.Factors) { f.got = append(f.got, v) }

type rig struct {
	world   *sim.World
	robot   *hw.Robot
	est     *odometry.Estimator
	factors *factorRecorder
	loc     *Localizer
}

func newRig(x, y, heading float64) *rig {
	cfg := sim.DefaultConfig()
	r := &rig{world: sim.NewWorld(cfg), factors: &factorRecorder{}}
	r.world.Place(x, y, heading)
	clock := sim.NewClock(r.world)
	r.robot = r.world.Robot()

	r.est = odometry.NewEstimator(odometry.Config{
		WheelRadius: cfg.WheelRadius,
		TrackWidth:  cfg.TrackWidth,
		Period:      30 * time.Millisecond,
	}, r.robot.LeftMotor, r.robot.RightMotor, clock)
	r.est.Update()
	clock.OnSleep(r.est.Update)

	nav := navigate.New(navigate.DefaultConfig(), r.robot, r.est, nil, clock)
	r.loc = New(DefaultConfig(), r.robot, r.est, nav, r.factors, clock)
	return r
}

func TestLocalizeInvalidCornerDoesNotMove(t *testing.T) {
	r := newRig(-12, -12, 30)

	_, err := r.loc.Localize(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidCorner))

	assert.Equal(t, 0, r.robot.LeftMotor.TachoCount())
	assert.Equal(t, 0, r.robot.RightMotor.TachoCount())
	assert.Equal(t, odometry.Pose{}, r.est.Get())
	assert.Empty(t, r.factors.got)
	assert.False(t, r.robot.FrontSensor.(*sim.Ultrasonic).Enabled())
}

func TestLocalizeInSimulatedArena(t *testing.T) {
	// Each robot starts 18 units from both walls of its corner.
	starts := map[Corner][2]float64{
		1: {-12, -12},
		2: {342, -12},
		3: {342, 342},
		4: {-12, 342},
	}

	for corner := Corner(1); corner <= 4; corner++ {
		for _, trueHeading := range []float64{0, 60, 135, 225, 300} {
			t.Run(fmt.Sprintf("corner%d/heading%.0f", corner, trueHeading), func(t *testing.T) {
				at := starts[corner]
				r := newRig(at[0], at[1], trueHeading)

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				res, err := r.loc.Localize(ctx, corner)
				require.NoError(t, err)

				assert.Equal(t, corner.Pose(), res.Start)
				assert.Equal(t, corner.Pose(), r.est.Get())
				assert.Equal(t, []correction.Factors{corner.Factors()}, r.factors.got)
				testutil.AssertHeading(t, corner.Pose().Heading, r.world.Pose().Heading, 3)

				assert.False(t, r.robot.SideSensor.(*sim.Ultrasonic).Enabled())
				assert.True(t, r.robot.FrontSensor.(*sim.Ultrasonic).Enabled())
			})
		}
	}
}

func TestLocalizeCancelled(t *testing.T) {
	r := newRig(-12, -12, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.loc.Localize(ctx, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, r.robot.LeftMotor.(*sim.Motor).Running())
	assert.Empty(t, r.factors.got)
}

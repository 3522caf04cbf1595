package filter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gridnav/internal/timeutil"
)

// scripted replays a fixed sequence of readings, repeating the final one.
func scripted(values ...float64) (Source, *int) {
	calls := 0
	return func() float64 {
		i := calls
		calls++
		if i >= len(values) {
			return values[len(values)-1]
		}
		return values[i]
	}, &calls
}

func TestBoundedRead(t *testing.T) {
	t.Parallel()

	f := &Bounded{Threshold: 0.15, Retries: 15}

	t.Run("unprimed returns raw reading", func(t *testing.T) {
		src, calls := scripted(0.9)
		s := f.Read(src, 0, false)
		assert.Equal(t, 0.9, s.Value)
		assert.Equal(t, 0, s.Retries)
		assert.Equal(t, 1, *calls)
	})

	t.Run("within threshold accepted without retry", func(t *testing.T) {
		src, calls := scripted(0.55)
		s := f.Read(src, 0.5, true)
		assert.Equal(t, 0.55, s.Value)
		assert.Equal(t, 0, s.Retries)
		assert.Equal(t, 1, *calls)
	})

	t.Run("single spike rejected", func(t *testing.T) {
		src, calls := scripted(0.1, 0.5)
		s := f.Read(src, 0.5, true)
		assert.Equal(t, 0.5, s.Value)
		assert.Equal(t, 1, s.Retries)
		assert.Equal(t, 2, *calls)
		assert.False(t, s.Deviated(f.Threshold))
	})

	t.Run("persistent deviation accepted after budget", func(t *testing.T) {
		src, calls := scripted(0.1)
		s := f.Read(src, 0.5, true)
		assert.Equal(t, 0.1, s.Value)
		assert.Equal(t, 15, s.Retries)
		assert.Equal(t, 16, *calls)
		assert.True(t, s.Deviated(f.Threshold))
	})

	t.Run("zero budget accepts the jump", func(t *testing.T) {
		src, _ := scripted(0.1)
		s := (&Bounded{Threshold: 0.15}).Read(src, 0.5, true)
		assert.Equal(t, 0.1, s.Value)
		assert.Equal(t, 0, s.Retries)
	})
}

func TestBoundedReadSleepsBetweenRetries(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	f := &Bounded{Threshold: 15, Retries: 15, Interval: 5 * time.Millisecond, Clock: clock}

	src, _ := scripted(200, 200, 30)
	s := f.Read(src, 30, true)

	require.Equal(t, 30.0, s.Value)
	assert.Equal(t, 2, s.Retries)
	slept, n := clock.Slept()
	assert.Equal(t, 10*time.Millisecond, slept)
	assert.Equal(t, 2, n)
}

func TestTracker(t *testing.T) {
	f := &Bounded{Threshold: 15, Retries: 3}
	src, _ := scripted(50, 48, 255, 46, 44)
	tr := NewTracker(f, src)

	assert.Equal(t, 50.0, tr.Read().Value)
	assert.Equal(t, 48.0, tr.Read().Value)
	// 255 is a spike; the re-sample 46 is back within threshold of 48.
	s := tr.Read()
	assert.Equal(t, 46.0, s.Value)
	assert.Equal(t, 1, s.Retries)
	assert.Equal(t, 44.0, tr.Read().Value)

	tr.Reset()
	s = tr.Read()
	assert.Equal(t, 44.0, s.Value)
	assert.Equal(t, 0, s.Retries)
}

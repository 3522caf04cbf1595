// Package filter implements the bounded-retry sample filter shared by the
// line and distance sensors.
//
// A reading that jumps away from the previously accepted value is re-sampled
// up to a fixed budget of times. If a re-sample comes back within the
// threshold the jump was noise and that re-sample is accepted; if the
// deviation persists through the whole budget, the last re-sample is accepted
// as a genuine transition.
package filter

import (
	"math"
	"time"

	"github.com/banshee-data/gridnav/internal/timeutil"
)

// Source returns one raw sensor reading.
type Source func() float64

// Sample is a filtered reading and its filtering state.
type Sample struct {
	Value   float64 // accepted reading
	Last    float64 // reference the reading was compared against
	Retries int     // re-samples taken before accepting
}

// Deviated reports whether the accepted value differs from the reference by
// more than threshold.
func (s Sample) Deviated(threshold float64) bool {
	return math.Abs(s.Value-s.Last) > threshold
}

// Bounded is a bounded-retry filter.
type Bounded struct {
	Threshold float64
	Retries   int

	// Interval is the pause before each re-sample. Zero re-samples at once.
	Interval time.Duration
	Clock    timeutil.Clock
}

// Read fetches a reading from src and filters it against last. When primed
// is false there is no reference yet and the raw reading is returned as-is.
func (b *Bounded) Read(src Source, last float64, primed bool) Sample {
	v := src()
	if !primed {
		return Sample{Value: v, Last: v}
	}

	s := Sample{Value: v, Last: last}
	for s.Retries < b.Retries && math.Abs(last-s.Value) > b.Threshold {
		if b.Interval > 0 && b.Clock != nil {
			b.Clock.Sleep(b.Interval)
		}
		s.Value = src()
		s.Retries++
	}
	return s
}

// Tracker chains filtered reads from one source, feeding every accepted
// value back in as the reference for the next read.
type Tracker struct {
	filter *Bounded
	src    Source
	last   float64
	primed bool
}

// NewTracker returns a Tracker reading src through f.
func NewTracker(f *Bounded, src Source) *Tracker {
	return &Tracker{filter: f, src: src}
}

// Read returns the next filtered reading.
func (t *Tracker) Read() Sample {
	s := t.filter.Read(t.src, t.last, t.primed)
	t.last = s.Value
	t.primed = true
	return s
}

// Reset discards the reference so the next read is accepted unfiltered.
func (t *Tracker) Reset() {
	t.primed = false
	t.last = 0
}

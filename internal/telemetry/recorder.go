package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/gridnav/internal/correction"
	"github.com/banshee-data/gridnav/internal/localize"
	"github.com/banshee-data/gridnav/internal/odometry"
	"github.com/banshee-data/gridnav/internal/timeutil"
)

// PoseReader supplies pose snapshots.
type PoseReader interface {
	Get() odometry.Pose
}

// RecorderConfig tunes sampling.
type RecorderConfig struct {
	Period time.Duration
	// Batch is the number of pose samples buffered before a write.
	Batch int
	// Queue bounds events waiting to be written; further events are
	// dropped.
	Queue int
}

func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{Period: 100 * time.Millisecond, Batch: 50, Queue: 256}
}

// Recorder samples the pose into one run and writes events from the control
// and correction tasks without blocking them.
type Recorder struct {
	store *Store
	run   RunInfo
	pose  PoseReader
	clock timeutil.Clock
	cfg   RecorderConfig

	events chan func() error

	mu      sync.Mutex
	pending []PoseSample
	dropped int
}

// NewRecorder returns a Recorder writing into run.
func NewRecorder(cfg RecorderConfig, store *Store, run RunInfo, pose PoseReader, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{
		store:  store,
		run:    run,
		pose:   pose,
		clock:  clock,
		cfg:    cfg,
		events: make(chan func() error, cfg.Queue),
	}
}

// RunID returns the run being recorded.
func (r *Recorder) RunID() string { return r.run.ID }

func (r *Recorder) since(t time.Time) time.Duration {
	if t.IsZero() {
		t = r.clock.Now()
	}
	return t.Sub(r.run.StartedAt)
}

// Run samples every period and drains queued events until ctx is done, then
// flushes, stamps the run's end and returns nil.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.drain()
			r.Flush()
			if err := r.store.EndRun(r.run.ID, r.clock.Now()); err != nil {
				logf("%v", err)
			}
			return nil
		case <-ticker.C():
			if r.Sample() >= r.cfg.Batch {
				r.Flush()
			}
		case fn := <-r.events:
			if err := fn(); err != nil {
				logf("%v", err)
			}
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case fn := <-r.events:
			if err := fn(); err != nil {
				logf("%v", err)
			}
		default:
			return
		}
	}
}

// Sample buffers the current pose and returns the buffered count.
func (r *Recorder) Sample() int {
	s := PoseSample{T: r.since(time.Time{}), Pose: r.pose.Get()}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, s)
	return len(r.pending)
}

// Flush writes buffered samples.
func (r *Recorder) Flush() {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if err := r.store.RecordPoses(r.run.ID, batch); err != nil {
		logf("%v", err)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Recorder) enqueue(fn func() error) {
	select {
	case r.events <- fn:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// ObserveCorrection queues a correction event. It is installed with
// correction.Monitor.Observe.
func (r *Recorder) ObserveCorrection(c correction.Correction) {
	ev := CorrectionEvent{T: r.since(c.At), Kind: c.Kind, Axis: c.Axis, Before: c.Before, After: c.After}
	r.enqueue(func() error { return r.store.RecordCorrection(r.run.ID, ev) })
}

// RecordLocalization queues a localization result.
func (r *Recorder) RecordLocalization(res localize.Result, err error) {
	t := r.since(time.Time{})
	r.enqueue(func() error { return r.store.RecordLocalization(r.run.ID, t, res, err) })
}

// RecordCommand queues an operator command that started at start.
func (r *Recorder) RecordCommand(name, args string, start time.Time, err error) {
	c := Command{
		T:        r.since(start),
		Name:     name,
		Args:     args,
		Duration: r.clock.Now().Sub(start),
		Err:      errString(err),
	}
	r.enqueue(func() error { return r.store.RecordCommand(r.run.ID, c) })
}

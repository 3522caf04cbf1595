package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/gridnav/internal/monitoring"
	"github.com/banshee-data/gridnav/internal/timeutil"
)

var logf = monitoring.Tagged("control")

// ErrBusy is returned by Submit while another command is queued or running.
var ErrBusy = errors.New("a command is already in progress")

// CommandRecorder receives each finished command.
type CommandRecorder interface {
	RecordCommand(name, args string, start time.Time, err error)
}

// Status describes the command the control task is running, or the last one
// it finished.
type Status struct {
	Busy     bool      `json:"busy"`
	Command  string    `json:"command,omitempty"`
	Args     string    `json:"args,omitempty"`
	Started  time.Time `json:"started,omitempty"`
	Finished time.Time `json:"finished,omitempty"`
	Err      string    `json:"error,omitempty"`
}

type command struct {
	name, args string
	fn         func(context.Context) error
}

// Controller is the control task. It runs one motion command at a time so
// that the navigator never sees concurrent callers.
type Controller struct {
	clock timeutil.Clock
	rec   CommandRecorder
	queue chan command

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	// dropped marks the queued command as cancelled before it started.
	dropped bool
}

// NewController returns an idle controller. rec may be nil.
func NewController(rec CommandRecorder, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{clock: clock, rec: rec, queue: make(chan command, 1)}
}

// Submit queues fn for the control task. It fails with ErrBusy rather than
// queueing behind another command.
func (c *Controller) Submit(name, args string, fn func(context.Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Busy {
		return fmt.Errorf("%s: %w (%s)", name, ErrBusy, c.status.Command)
	}
	c.status = Status{Busy: true, Command: name, Args: args}
	c.queue <- command{name: name, args: args, fn: fn}
	return nil
}

// Cancel stops the running command, or drops the queued one before it
// starts. It reports whether there was a command to cancel.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.cancel != nil:
		c.cancel()
	case c.status.Busy:
		c.dropped = true
	default:
		return false
	}
	return true
}

// Status returns a snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Do runs fn on the calling goroutine as if it had been submitted. The
// startup sequence uses it before Run takes over.
func (c *Controller) Do(ctx context.Context, name, args string, fn func(context.Context) error) error {
	c.mu.Lock()
	if c.status.Busy {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w (%s)", name, ErrBusy, c.status.Command)
	}
	c.status = Status{Busy: true, Command: name, Args: args}
	c.mu.Unlock()
	return c.execute(ctx, command{name: name, args: args, fn: fn})
}

// Run executes submitted commands until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.queue:
			if err := c.execute(ctx, cmd); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (c *Controller) execute(ctx context.Context, cmd command) error {
	cmdCtx, cancel := context.WithCancel(ctx)
	start := c.clock.Now()

	c.mu.Lock()
	dropped := c.dropped
	c.dropped = false
	c.cancel = cancel
	c.status.Started = start
	c.mu.Unlock()

	var err error
	if dropped {
		err = fmt.Errorf("%s cancelled before it started: %w", cmd.name, context.Canceled)
	} else {
		logf("%s %s", cmd.name, cmd.args)
		err = cmd.fn(cmdCtx)
	}
	cancel()
	if err != nil {
		logf("%s %s: %v", cmd.name, cmd.args, err)
	}

	c.mu.Lock()
	c.cancel = nil
	c.status.Busy = false
	c.status.Finished = c.clock.Now()
	if err != nil {
		c.status.Err = err.Error()
	}
	c.mu.Unlock()

	if c.rec != nil {
		c.rec.RecordCommand(cmd.name, cmd.args, start, err)
	}
	return err
}

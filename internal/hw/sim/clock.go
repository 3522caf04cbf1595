package sim

import (
	"sync"
	"time"

	"github.com/banshee-data/gridnav/internal/timeutil"
)

// Clock runs a World in lockstep with the code under test: every Sleep
// advances the world by the slept duration and then runs the registered
// hooks, typically the estimator's Update. Code that only waits through the
// clock therefore sees the robot move exactly as far as it waited.
//
// The goroutine calling Clock.Sleep leads. Other tasks, such as the
// correction monitor, wait through a Follower: a follower's Sleep blocks
// until the leader has carried simulated time to its wake-up, and the leader
// does not advance while any follower is still running.
type Clock struct {
	*timeutil.MockClock
	world *World

	mu        sync.Mutex
	hooks     []func()
	followers map[*Follower]struct{}
	parked    *sync.Cond
}

// NewClock returns a lockstep clock for w.
func NewClock(w *World) *Clock {
	c := &Clock{
		MockClock: timeutil.NewMockClock(time.Unix(0, 0)),
		world:     w,
		followers: make(map[*Follower]struct{}),
	}
	c.parked = sync.NewCond(&c.mu)
	return c
}

// OnSleep registers fn to run after every Sleep.
func (c *Clock) OnSleep(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Sleep advances the world and the mocked time by d. With followers
// registered the advance stops at each follower wake-up and waits for the
// woken followers to sleep again before going on.
func (c *Clock) Sleep(d time.Duration) {
	c.mu.Lock()
	following := len(c.followers) > 0
	c.mu.Unlock()
	if !following {
		c.advance(d)
		return
	}

	target := c.Now().Add(d)
	for {
		c.mu.Lock()
		for !c.allParked() {
			c.parked.Wait()
		}
		next := target
		for f := range c.followers {
			if f.wake.Before(next) {
				next = f.wake
			}
		}
		c.mu.Unlock()

		if step := next.Sub(c.Now()); step > 0 {
			c.advance(step)
		}

		c.mu.Lock()
		woke := c.wakeDue()
		c.mu.Unlock()
		if !woke && !c.Now().Before(target) {
			return
		}
	}
}

func (c *Clock) advance(d time.Duration) {
	c.world.Advance(d)
	c.MockClock.Sleep(d)

	c.mu.Lock()
	hooks := append([]func(){}, c.hooks...)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// allParked reports whether every follower is asleep. The caller holds c.mu.
func (c *Clock) allParked() bool {
	for f := range c.followers {
		if !f.parked {
			return false
		}
	}
	return true
}

// wakeDue releases every follower whose wake-up has come. The caller holds
// c.mu.
func (c *Clock) wakeDue() bool {
	now := c.Now()
	woke := false
	for f := range c.followers {
		if f.parked && !f.wake.After(now) {
			f.parked = false
			f.release <- struct{}{}
			woke = true
		}
	}
	return woke
}

// Follow registers a follower. It counts as running until its first Sleep,
// so the task using it must be started before the leader next sleeps.
func (c *Clock) Follow() *Follower {
	f := &Follower{clock: c, release: make(chan struct{}, 1)}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followers[f] = struct{}{}
	return f
}

// Follower is a timeutil.Clock for one task running beside the leader. It
// serves a single goroutine: either its Sleep caller or one ticker.
type Follower struct {
	clock   *Clock
	release chan struct{}

	// Guarded by clock.mu.
	wake   time.Time
	parked bool
	left   bool
}

// Now returns the shared simulated time.
func (f *Follower) Now() time.Time {
	return f.clock.Now()
}

// Sleep blocks until the leader has advanced simulated time by d. After
// Leave it returns at once.
func (f *Follower) Sleep(d time.Duration) {
	c := f.clock
	c.mu.Lock()
	if f.left {
		c.mu.Unlock()
		return
	}
	f.wake = c.Now().Add(d)
	f.parked = true
	c.parked.Broadcast()
	c.mu.Unlock()

	<-f.release
}

// NewTicker returns a ticker paced by the follower's Sleep. Stopping it
// also makes the follower leave.
func (f *Follower) NewTicker(d time.Duration) timeutil.Ticker {
	t := &followerTicker{c: make(chan time.Time), stop: make(chan struct{}), leave: f.Leave}
	go func() {
		for {
			f.Sleep(d)
			select {
			case <-t.stop:
				return
			default:
			}
			select {
			case t.c <- f.Now():
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// Leave unregisters the follower and releases it if it is asleep, so a
// task shutting down never waits on a leader that has stopped.
func (f *Follower) Leave() {
	c := f.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.left {
		return
	}
	f.left = true
	delete(c.followers, f)
	if f.parked {
		f.parked = false
		f.release <- struct{}{}
	}
	c.parked.Broadcast()
}

type followerTicker struct {
	c     chan time.Time
	stop  chan struct{}
	once  sync.Once
	leave func()
}

func (t *followerTicker) C() <-chan time.Time { return t.c }

func (t *followerTicker) Stop() {
	t.once.Do(func() {
		close(t.stop)
		t.leave()
	})
}

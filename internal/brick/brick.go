// Package brick drives the motor and sensor controller over its serial line
// protocol and presents it as an hw.Robot.
//
// Commands are fire-and-forget text lines. The controller streams encoder
// counts and sensor readings, which Run caches; every Fetch and TachoCount
// returns the latest cached value.
package brick

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/gridnav/internal/hw"
	"github.com/banshee-data/gridnav/internal/monitoring"
)

var logf = monitoring.Tagged("brick")

// MaxRange is reported by a range sensor before its first reading and while
// it is disabled.
const MaxRange = 255

// Link is the part of the serial mux the brick uses.
type Link interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
	SendCommand(string) error
}

// Ports maps robot roles to controller port names.
type Ports struct {
	LeftMotor  string `json:"left_motor"`
	RightMotor string `json:"right_motor"`
	Front      string `json:"front"`
	Side       string `json:"side"`
	LeftLine   string `json:"left_line"`
	RightLine  string `json:"right_line"`
}

// DefaultPorts is the competition wiring.
func DefaultPorts() Ports {
	return Ports{
		LeftMotor:  "A",
		RightMotor: "B",
		Front:      "S1",
		Side:       "S2",
		LeftLine:   "S3",
		RightLine:  "S4",
	}
}

// Config configures a Brick.
type Config struct {
	Ports Ports
	// StopTimeout bounds a blocking Stop waiting for the controller to
	// report the motor at rest.
	StopTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{Ports: DefaultPorts(), StopTimeout: 2 * time.Second}
}

// Brick is the controller connection.
type Brick struct {
	link Link
	cfg  Config

	mu      sync.Mutex
	tacho   map[string]int
	ranges  map[string]float64
	lights  map[string]float64
	waiters map[string][]chan struct{}
	sendErr error
}

// New returns a Brick sending over link. Call Run to consume telemetry.
func New(link Link, cfg Config) *Brick {
	return &Brick{
		link:    link,
		cfg:     cfg,
		tacho:   make(map[string]int),
		ranges:  make(map[string]float64),
		lights:  make(map[string]float64),
		waiters: make(map[string][]chan struct{}),
	}
}

// Robot returns the hw bundle backed by b.
func (b *Brick) Robot() *hw.Robot {
	p := b.cfg.Ports
	return &hw.Robot{
		LeftMotor:   &Motor{b: b, port: p.LeftMotor},
		RightMotor:  &Motor{b: b, port: p.RightMotor},
		FrontSensor: &Ultrasonic{b: b, port: p.Front},
		SideSensor:  &Ultrasonic{b: b, port: p.Side},
		LeftLine:    &Light{b: b, port: p.LeftLine},
		RightLine:   &Light{b: b, port: p.RightLine},
	}
}

// Run consumes telemetry until ctx is done or the link closes the
// subscription.
func (b *Brick) Run(ctx context.Context) error {
	id, lines := b.link.Subscribe()
	defer b.link.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			b.handle(line)
		}
	}
}

func (b *Brick) handle(line string) {
	r, err := ParseLine(line)
	if err != nil {
		logf("%v", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch r.Kind {
	case KindTacho:
		b.tacho[r.Port] = int(r.Value)
	case KindRange:
		b.ranges[r.Port] = r.Value
	case KindLight:
		b.lights[r.Port] = r.Value / 100
	case KindStopped:
		for _, ch := range b.waiters[r.Port] {
			close(ch)
		}
		delete(b.waiters, r.Port)
	case KindError:
		logf("controller error: %s", r.Text)
	}
}

// Err returns the first command write failure, if any.
func (b *Brick) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sendErr
}

func (b *Brick) send(cmd string) {
	if err := b.link.SendCommand(cmd); err != nil {
		logf("send %q: %v", cmd, err)
		b.mu.Lock()
		if b.sendErr == nil {
			b.sendErr = err
		}
		b.mu.Unlock()
	}
}

var errStopTimeout = errors.New("timed out waiting for motor to stop")

// stopAndWait sends a braking stop and waits for the controller to report
// the motor at rest.
func (b *Brick) stopAndWait(port string) error {
	ch := make(chan struct{})
	b.mu.Lock()
	b.waiters[port] = append(b.waiters[port], ch)
	b.mu.Unlock()

	b.send(motorCmd(port, "STOPW"))

	t := time.NewTimer(b.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		b.mu.Lock()
		ws := b.waiters[port]
		for i, w := range ws {
			if w == ch {
				b.waiters[port] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		return errStopTimeout
	}
}

// Motor is a controller motor port.
type Motor struct {
	b    *Brick
	port string
}

func (m *Motor) SetSpeed(degPerSec float64) { m.b.send(speedCmd(m.port, degPerSec)) }
func (m *Motor) Forward()                   { m.b.send(motorCmd(m.port, "FWD")) }
func (m *Motor) Backward()                  { m.b.send(motorCmd(m.port, "BWD")) }

func (m *Motor) Stop(immediate bool) {
	if immediate {
		m.b.send(motorCmd(m.port, "STOP"))
		return
	}
	if err := m.b.stopAndWait(m.port); err != nil {
		logf("motor %s: %v", m.port, err)
	}
}

func (m *Motor) TachoCount() int {
	m.b.mu.Lock()
	defer m.b.mu.Unlock()
	return m.b.tacho[m.port]
}

// Ultrasonic is a controller range sensor port.
type Ultrasonic struct {
	b    *Brick
	port string
}

func (u *Ultrasonic) Enable() { u.b.send(rangeCmd(u.port, true)) }

// Disable stops the sensor and forgets its last reading.
func (u *Ultrasonic) Disable() {
	u.b.send(rangeCmd(u.port, false))
	u.b.mu.Lock()
	delete(u.b.ranges, u.port)
	u.b.mu.Unlock()
}

func (u *Ultrasonic) Fetch() float64 {
	u.b.mu.Lock()
	defer u.b.mu.Unlock()
	if v, ok := u.b.ranges[u.port]; ok {
		return v
	}
	return MaxRange
}

// Light is a controller reflectance sensor port. Readings arrive as a
// percentage and are reported normalized to 0-1.
type Light struct {
	b    *Brick
	port string
}

func (l *Light) SetIllumination(on bool) { l.b.send(lightCmd(l.port, on)) }

func (l *Light) Fetch() float64 {
	l.b.mu.Lock()
	defer l.b.mu.Unlock()
	return l.b.lights[l.port]
}

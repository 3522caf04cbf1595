package sim

import (
	"math"
	"time"

	"github.com/banshee-data/gridnav/internal/units"
)

// Motor is a simulated regulated motor. Its encoder counts whole degrees of
// true wheel rotation.
type Motor struct {
	w      *World
	radius float64

	speed float64
	dir   float64
	angle float64
}

func (m *Motor) SetSpeed(degPerSec float64) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	m.speed = math.Abs(degPerSec)
}

func (m *Motor) Forward() {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	m.dir = 1
}

func (m *Motor) Backward() {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	m.dir = -1
}

// Stop halts the wheel at once; a simulated wheel has no run-down.
func (m *Motor) Stop(bool) {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	m.dir = 0
}

func (m *Motor) TachoCount() int {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	return int(math.Round(m.angle))
}

// Running reports whether the motor is turning.
func (m *Motor) Running() bool {
	m.w.mu.Lock()
	defer m.w.mu.Unlock()
	return m.dir != 0 && m.speed != 0
}

// turn advances the wheel by dt and returns the distance it rolled. The
// caller holds w.mu.
func (m *Motor) turn(dt time.Duration) float64 {
	if m.dir == 0 {
		return 0
	}
	deg := m.dir * m.speed * dt.Seconds()
	m.angle += deg
	return units.ArcLength(deg, m.radius)
}

// Ultrasonic is a simulated range sensor mounted at the robot centre,
// pointing mount degrees from the heading. A disabled sensor reports its
// maximum range.
type Ultrasonic struct {
	w       *World
	mount   float64
	enabled bool
}

func (u *Ultrasonic) Enable() {
	u.w.mu.Lock()
	defer u.w.mu.Unlock()
	u.enabled = true
}

func (u *Ultrasonic) Disable() {
	u.w.mu.Lock()
	defer u.w.mu.Unlock()
	u.enabled = false
}

func (u *Ultrasonic) Enabled() bool {
	u.w.mu.Lock()
	defer u.w.mu.Unlock()
	return u.enabled
}

func (u *Ultrasonic) Fetch() float64 {
	u.w.mu.Lock()
	defer u.w.mu.Unlock()
	if !u.enabled {
		return u.w.cfg.MaxRange
	}
	return u.w.rangeAlong(u.mount)
}

// Line is a simulated floor reflectance sensor on the axle line.
type Line struct {
	w       *World
	lateral float64
	lit     bool
}

func (l *Line) Fetch() float64 {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	return l.w.reflectance(l.lateral)
}

func (l *Line) SetIllumination(on bool) {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	l.lit = on
}

// Lit reports whether the sensor's floodlight is on.
func (l *Line) Lit() bool {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	return l.lit
}

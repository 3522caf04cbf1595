// Package hw defines the motor and sensor capabilities the navigation stack
// consumes. Implementations live in internal/brick (a serial-attached
// controller) and internal/hw/sim (a simulated arena).
package hw

// Motor is one regulated drive motor.
type Motor interface {
	// SetSpeed sets the target speed in wheel degrees per second.
	SetSpeed(degPerSec float64)
	// Forward starts the motor turning forward at the set speed.
	Forward()
	// Backward starts the motor turning backward at the set speed.
	Backward()
	// Stop brakes the motor. With immediate set the call returns at once;
	// otherwise it returns after the motor has come to rest.
	Stop(immediate bool)
	// TachoCount returns the cumulative encoder count in degrees.
	TachoCount() int
}

// DistanceSensor is an ultrasonic range sensor.
type DistanceSensor interface {
	Enable()
	Disable()
	// Fetch returns the current range reading in arena units.
	Fetch() float64
}

// LineSensor is a downward-facing reflectance sensor.
type LineSensor interface {
	// Fetch returns the normalized reflectance, 0 (dark) to 1 (bright).
	Fetch() float64
	SetIllumination(on bool)
}

// Robot bundles the hardware a navigation stack is built from.
type Robot struct {
	LeftMotor  Motor
	RightMotor Motor

	FrontSensor DistanceSensor
	SideSensor  DistanceSensor

	LeftLine  LineSensor
	RightLine LineSensor
}

// Drive starts both motors at the given speed, forward when forward is true.
func (r *Robot) Drive(speed float64, forward bool) {
	r.LeftMotor.SetSpeed(speed)
	r.RightMotor.SetSpeed(speed)
	if forward {
		r.LeftMotor.Forward()
		r.RightMotor.Forward()
		return
	}
	r.LeftMotor.Backward()
	r.RightMotor.Backward()
}

// Spin turns the robot in place. A positive direction spins
// counter-clockwise (heading increases), negative spins clockwise.
func (r *Robot) Spin(speed float64, direction int) {
	r.LeftMotor.SetSpeed(speed)
	r.RightMotor.SetSpeed(speed)
	if direction >= 0 {
		r.LeftMotor.Backward()
		r.RightMotor.Forward()
		return
	}
	r.LeftMotor.Forward()
	r.RightMotor.Backward()
}

// Halt stops both motors with a staggered stop: the left motor is released
// immediately and the call returns once the right motor has stopped.
func (r *Robot) Halt() {
	r.LeftMotor.Stop(true)
	r.RightMotor.Stop(false)
}

package mti

import (
	"math"
	"time"
)

// Vector is a three-axis sensor reading. The unit depends on the producing
// channel: rad/s for rate of turn, m/s² for acceleration, arbitrary units
// for the magnetic field.
type Vector struct {
	X, Y, Z float64
}

// Scale returns the vector with every component multiplied by f.
func (v Vector) Scale(f float64) Vector {
	return Vector{v.X * f, v.Y * f, v.Z * f}
}

// Quaternion is a device orientation in w, x, y, z order.
type Quaternion struct {
	W, X, Y, Z float64
}

// Euler holds orientation as roll, pitch and yaw angles in degrees.
type Euler struct {
	Roll, Pitch, Yaw float64
}

// Sample is a single hardware-reported reading. The device includes only
// the quantities configured for the packet, so every field other than the
// receive timestamp is optional; a nil field means the packet did not carry
// that quantity, which is a normal state rather than an error.
type Sample struct {
	Received time.Time // host receive time

	PacketCounter  *uint16
	SampleTimeFine *uint32
	StatusWord     *uint32
	Gyro           *Vector // rate of turn, rad/s
	Accel          *Vector // calibrated acceleration, m/s²
	Magnetic       *Vector // calibrated magnetic field
	Temperature    *float64
	Quat           *Quaternion
	Euler          *Euler
}

// Bias is a per-axis gyroscope offset in degrees per second.
type Bias struct {
	X, Y, Z float64
}

// DeviceInfo identifies an opened device.
type DeviceInfo struct {
	DeviceID        string
	ProductCode     string
	FirmwareVersion string
	FilterProfile   string
}

// RadToDeg converts an angular rate from rad/s to deg/s.
func RadToDeg(rad float64) float64 {
	return rad * 180.0 / math.Pi
}

package recorder

import (
	"time"

	"github.com/inertial-tools/mti-capture/internal/mti"
)

// Row is one decoded record of a recording session. Every field is
// optional: a nil pointer means the device did not include that quantity
// in the packet, which downstream consumers must render as null, never as
// zero. Angular rates are in deg/s (converted from the device's native
// rad/s), orientation angles in degrees.
type Row struct {
	Received time.Time

	PacketCounter  *uint16
	SampleTimeFine *uint32
	StatusWord     *uint32

	GyrX, GyrY, GyrZ *float64
	AccX, AccY, AccZ *float64
	MagX, MagY, MagZ *float64

	Temperature *float64

	QuatW, QuatX, QuatY, QuatZ *float64

	Roll, Pitch, Yaw *float64
}

// DecodeRow converts a raw sample into a row, converting the rate of turn
// to deg/s. Absent sample fields stay absent on the row.
func DecodeRow(s mti.Sample) Row {
	row := Row{
		Received:       s.Received,
		PacketCounter:  s.PacketCounter,
		SampleTimeFine: s.SampleTimeFine,
		StatusWord:     s.StatusWord,
		Temperature:    s.Temperature,
	}

	if s.Gyro != nil {
		row.GyrX = ptr(mti.RadToDeg(s.Gyro.X))
		row.GyrY = ptr(mti.RadToDeg(s.Gyro.Y))
		row.GyrZ = ptr(mti.RadToDeg(s.Gyro.Z))
	}
	if s.Accel != nil {
		row.AccX, row.AccY, row.AccZ = ptr(s.Accel.X), ptr(s.Accel.Y), ptr(s.Accel.Z)
	}
	if s.Magnetic != nil {
		row.MagX, row.MagY, row.MagZ = ptr(s.Magnetic.X), ptr(s.Magnetic.Y), ptr(s.Magnetic.Z)
	}
	if s.Quat != nil {
		row.QuatW, row.QuatX = ptr(s.Quat.W), ptr(s.Quat.X)
		row.QuatY, row.QuatZ = ptr(s.Quat.Y), ptr(s.Quat.Z)
	}
	if s.Euler != nil {
		row.Roll, row.Pitch, row.Yaw = ptr(s.Euler.Roll), ptr(s.Euler.Pitch), ptr(s.Euler.Yaw)
	}

	return row
}

// Gyro returns the row's angular rate vector in deg/s. The second return
// value is false when the packet carried no rate of turn.
func (r Row) Gyro() (mti.Vector, bool) {
	if r.GyrX == nil || r.GyrY == nil || r.GyrZ == nil {
		return mti.Vector{}, false
	}
	return mti.Vector{X: *r.GyrX, Y: *r.GyrY, Z: *r.GyrZ}, true
}

func ptr[T any](v T) *T {
	return &v
}

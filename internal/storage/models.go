package storage

import (
	"database/sql"
	"time"
)

// SessionRecord is one acquisition session as stored, with device identity
// captured at open time.
type SessionRecord struct {
	ID              int64
	RunID           string
	StartTime       time.Time
	ProductCode     string
	DeviceID        string
	FirmwareVersion string
	FilterProfile   *string
	Config          *string
}

// CalibrationRecord is the persisted outcome of a calibration run. Original
// bias columns are null when the device never answered the baseline read.
type CalibrationRecord struct {
	Outcome     string
	OriginalX   *float64
	OriginalY   *float64
	OriginalZ   *float64
	EstimatedX  float64
	EstimatedY  float64
	EstimatedZ  float64
	StdDevX     float64
	StdDevY     float64
	StdDevZ     float64
	QualityGood bool
}

type sampleData struct {
	SessionID      int64
	Received       time.Time
	PacketCounter  sql.NullInt64
	SampleTimeFine sql.NullInt64
	StatusWord     sql.NullInt64
	GyrX, GyrY     sql.NullFloat64
	GyrZ           sql.NullFloat64
	AccX, AccY     sql.NullFloat64
	AccZ           sql.NullFloat64
	MagX, MagY     sql.NullFloat64
	MagZ           sql.NullFloat64
	Temperature    sql.NullFloat64
	QuatW, QuatX   sql.NullFloat64
	QuatY, QuatZ   sql.NullFloat64
	Roll, Pitch    sql.NullFloat64
	Yaw            sql.NullFloat64
}

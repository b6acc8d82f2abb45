package storage

import (
	"database/sql"

	"github.com/inertial-tools/mti-capture/internal/recorder"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && *err == nil {
		*err = cErr
	}
}

func toSQLNullFloat[T float64 | float32](v *T) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: float64(*v), Valid: true}
}

func toSQLNullInt[T uint16 | uint32 | int64](v *T) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func fromSQLNullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func fromSQLNullInt[T uint16 | uint32](v sql.NullInt64) *T {
	if !v.Valid {
		return nil
	}
	n := T(v.Int64)
	return &n
}

func toSampleData(sessionID int64, row recorder.Row) *sampleData {
	return &sampleData{
		SessionID:      sessionID,
		Received:       row.Received.UTC(),
		PacketCounter:  toSQLNullInt(row.PacketCounter),
		SampleTimeFine: toSQLNullInt(row.SampleTimeFine),
		StatusWord:     toSQLNullInt(row.StatusWord),
		GyrX:           toSQLNullFloat(row.GyrX),
		GyrY:           toSQLNullFloat(row.GyrY),
		GyrZ:           toSQLNullFloat(row.GyrZ),
		AccX:           toSQLNullFloat(row.AccX),
		AccY:           toSQLNullFloat(row.AccY),
		AccZ:           toSQLNullFloat(row.AccZ),
		MagX:           toSQLNullFloat(row.MagX),
		MagY:           toSQLNullFloat(row.MagY),
		MagZ:           toSQLNullFloat(row.MagZ),
		Temperature:    toSQLNullFloat(row.Temperature),
		QuatW:          toSQLNullFloat(row.QuatW),
		QuatX:          toSQLNullFloat(row.QuatX),
		QuatY:          toSQLNullFloat(row.QuatY),
		QuatZ:          toSQLNullFloat(row.QuatZ),
		Roll:           toSQLNullFloat(row.Roll),
		Pitch:          toSQLNullFloat(row.Pitch),
		Yaw:            toSQLNullFloat(row.Yaw),
	}
}

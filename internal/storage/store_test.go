package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inertial-tools/mti-capture/internal/calibration"
	"github.com/inertial-tools/mti-capture/internal/mti"
	"github.com/inertial-tools/mti-capture/internal/recorder"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s := New(filepath.Join(t.TempDir(), "capture.db"))
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing store: %s", err)
		}
	})
	return s
}

func testDeviceInfo() mti.DeviceInfo {
	return mti.DeviceInfo{
		DeviceID:        "03781E5C",
		ProductCode:     "MTi-670",
		FirmwareVersion: "1.13.0",
		FilterProfile:   "General",
	}
}

func ptrTo[T any](v T) *T {
	return &v
}

func TestStore_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx, "f5dd532a-6a6f-4f0b-9f3a-1f3a0b2a6a11", testDeviceInfo(),
		map[string]any{"rate_hz": 100})
	require.NoError(t, err)
	require.NotZero(t, id)

	sess, err := s.Session(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, id, sess.ID)
	assert.Equal(t, "f5dd532a-6a6f-4f0b-9f3a-1f3a0b2a6a11", sess.RunID)
	assert.Equal(t, "MTi-670", sess.ProductCode)
	assert.Equal(t, "03781E5C", sess.DeviceID)
	assert.Equal(t, "1.13.0", sess.FirmwareVersion)
	require.NotNil(t, sess.FilterProfile)
	assert.Equal(t, "General", *sess.FilterProfile)
	require.NotNil(t, sess.Config)
	assert.JSONEq(t, `{"rate_hz":100}`, *sess.Config)
	assert.False(t, sess.StartTime.IsZero())
}

func TestStore_SessionWithoutOptionalColumns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	info := testDeviceInfo()
	info.FilterProfile = ""

	id, err := s.CreateSession(ctx, "run-2", info, nil)
	require.NoError(t, err)

	sess, err := s.Session(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, sess.FilterProfile)
	assert.Nil(t, sess.Config)
}

func TestStore_Sessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, runID := range []string{"run-a", "run-b", "run-c"} {
		_, err := s.CreateSession(ctx, runID, testDeviceInfo(), nil)
		require.NoError(t, err)
	}

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, "run-a", sessions[0].RunID)
	assert.Equal(t, "run-c", sessions[2].RunID)
}

// TestStore_SampleNullableRoundTrip verifies that fields the device never
// produced survive storage as nulls rather than collapsing to zero.
func TestStore_SampleNullableRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx, "run-nullable", testDeviceInfo(), nil)
	require.NoError(t, err)

	received := time.Date(2025, 6, 1, 10, 30, 0, 125000000, time.UTC)
	full := recorder.Row{
		Received:       received,
		PacketCounter:  ptrTo(uint16(41)),
		SampleTimeFine: ptrTo(uint32(1_000_000)),
		StatusWord:     ptrTo(uint32(0x03)),
		GyrX:           ptrTo(0.125),
		GyrY:           ptrTo(-0.0625),
		GyrZ:           ptrTo(0.25),
		AccX:           ptrTo(0.01),
		AccY:           ptrTo(-0.02),
		AccZ:           ptrTo(9.81),
		Temperature:    ptrTo(24.5),
		Roll:           ptrTo(1.5),
		Pitch:          ptrTo(-0.5),
		Yaw:            ptrTo(178.25),
	}
	sparse := recorder.Row{
		Received: received.Add(10 * time.Millisecond),
		GyrX:     ptrTo(0.1),
		GyrY:     ptrTo(0.1),
		GyrZ:     ptrTo(0.1),
	}

	require.NoError(t, s.StoreRows(ctx, id, []recorder.Row{full, sparse}))

	samples, err := s.Samples(ctx, id)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	got := samples[0]
	require.NotNil(t, got.PacketCounter)
	assert.Equal(t, uint16(41), *got.PacketCounter)
	require.NotNil(t, got.SampleTimeFine)
	assert.Equal(t, uint32(1_000_000), *got.SampleTimeFine)
	require.NotNil(t, got.GyrZ)
	assert.Equal(t, 0.25, *got.GyrZ)
	require.NotNil(t, got.Temperature)
	assert.Equal(t, 24.5, *got.Temperature)
	assert.Nil(t, got.MagX, "absent magnetometer must stay null")
	assert.Nil(t, got.QuatW, "absent quaternion must stay null")
	assert.True(t, got.Received.Equal(received))

	got = samples[1]
	assert.Nil(t, got.PacketCounter)
	assert.Nil(t, got.StatusWord)
	assert.Nil(t, got.AccX)
	require.NotNil(t, got.GyrX)
	assert.Equal(t, 0.1, *got.GyrX)
}

func TestStore_StoreRowsEmptyBatch(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.StoreRows(context.Background(), 1, nil))
}

func TestStore_CalibrationRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx, "run-cal", testDeviceInfo(), nil)
	require.NoError(t, err)

	result := calibration.Result{
		OriginalBias:    &mti.Bias{X: 0.5, Y: -0.25, Z: 0.125},
		EstimatedBias:   mti.Bias{X: 0.1, Y: 0.05, Z: -0.02},
		EstimatedStdDev: mti.Bias{X: 0.01, Y: 0.015, Z: 0.02},
		QualityGood:     true,
		Outcome:         calibration.OutcomeApplied,
	}

	_, err = s.StoreCalibration(ctx, id, result)
	require.NoError(t, err)

	rec, err := s.Calibration(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, "applied", rec.Outcome)
	require.NotNil(t, rec.OriginalX)
	assert.Equal(t, 0.5, *rec.OriginalX)
	require.NotNil(t, rec.OriginalZ)
	assert.Equal(t, 0.125, *rec.OriginalZ)
	assert.Equal(t, 0.1, rec.EstimatedX)
	assert.Equal(t, -0.02, rec.EstimatedZ)
	assert.Equal(t, 0.015, rec.StdDevY)
	assert.True(t, rec.QualityGood)
}

// TestStore_CalibrationWithoutOriginal covers the read-timeout path where no
// baseline bias was ever captured.
func TestStore_CalibrationWithoutOriginal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.CreateSession(ctx, "run-cal-null", testDeviceInfo(), nil)
	require.NoError(t, err)

	result := calibration.Result{
		EstimatedBias: mti.Bias{X: 0.1},
		Outcome:       calibration.OutcomeFailed,
	}

	_, err = s.StoreCalibration(ctx, id, result)
	require.NoError(t, err)

	rec, err := s.Calibration(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec.OriginalX)
	assert.Nil(t, rec.OriginalY)
	assert.Nil(t, rec.OriginalZ)
	assert.False(t, rec.QualityGood)
}

func TestStore_CloseIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "capture.db"))

	_, err := s.CreateSession(context.Background(), "run-close", testDeviceInfo(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

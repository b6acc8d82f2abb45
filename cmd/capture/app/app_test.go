package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/inertial-tools/mti-capture/internal/calibration"
	"github.com/inertial-tools/mti-capture/internal/mti"
	"github.com/inertial-tools/mti-capture/internal/recorder"
	"github.com/inertial-tools/mti-capture/internal/storage"
)

func estimateWithQuality(good bool) calibration.Estimate {
	stddev := 0.5
	if good {
		stddev = 0.01
	}
	return calibration.Estimate{
		StdDev:  mti.Bias{X: stddev, Y: stddev, Z: stddev},
		Samples: 10,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shortRunConfig() *Config {
	config := defaultConfig()
	config.Device.Simulate = true
	config.Recording.Duration = Duration(300 * time.Millisecond)
	return config
}

// TestRunCapture_EndToEnd drives the whole pipeline against the simulated
// device: session, calibration bracket, recording, persistence.
func TestRunCapture_EndToEnd(t *testing.T) {
	ctx := context.Background()

	store := storage.New(filepath.Join(t.TempDir(), "capture.db"))
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRegistry()
	if err := runCapture(ctx, shortRunConfig(), store, registry, discardLogger()); err != nil {
		t.Fatalf("runCapture() error = %s", err)
	}

	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %s", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions stored = %d, want 1", len(sessions))
	}

	sess := sessions[0]
	if sess.ProductCode != "MTi-670" {
		t.Errorf("ProductCode = %q, want MTi-670", sess.ProductCode)
	}
	if sess.RunID == "" {
		t.Error("RunID is empty")
	}

	samples, err := store.Samples(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Samples() error = %s", err)
	}
	// 300 ms at 100 Hz, allow generous scheduling slack.
	if len(samples) < 10 {
		t.Errorf("samples stored = %d, want at least 10", len(samples))
	}
	for i, row := range samples {
		if row.GyrX == nil || row.AccZ == nil {
			t.Fatalf("sample %d is missing inertial channels", i)
		}
	}

	cal, err := store.Calibration(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Calibration() error = %s", err)
	}
	if cal.Outcome != "applied" && cal.Outcome != "restored" {
		t.Errorf("calibration outcome = %q, want applied or restored", cal.Outcome)
	}
	if cal.OriginalX == nil {
		t.Error("original bias not recorded")
	}

	// Device released: a new run can claim it.
	if _, err = registry.Begin(sess.DeviceID); err != nil {
		t.Errorf("device still held after capture: %s", err)
	}
}

// TestRunCapture_UnsupportedFirmware: firmware without the bias message
// set skips calibration but the main recording must still run.
func TestRunCapture_UnsupportedFirmware(t *testing.T) {
	ctx := context.Background()

	store := storage.New(filepath.Join(t.TempDir(), "capture.db"))
	t.Cleanup(func() { _ = store.Close() })

	config := shortRunConfig()
	config.Device.SimulateFirmware = "1.8.2"

	if err := runCapture(ctx, config, store, NewRegistry(), discardLogger()); err != nil {
		t.Fatalf("runCapture() error = %s", err)
	}

	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %s", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions stored = %d, want 1", len(sessions))
	}
	if sessions[0].FirmwareVersion != "1.8.2" {
		t.Errorf("FirmwareVersion = %q, want 1.8.2", sessions[0].FirmwareVersion)
	}

	samples, err := store.Samples(ctx, sessions[0].ID)
	if err != nil {
		t.Fatalf("Samples() error = %s", err)
	}
	if len(samples) < 10 {
		t.Errorf("samples stored = %d, want at least 10", len(samples))
	}

	cal, err := store.Calibration(ctx, sessions[0].ID)
	if err != nil {
		t.Fatalf("Calibration() error = %s", err)
	}
	if cal.Outcome != "skipped" {
		t.Errorf("calibration outcome = %q, want skipped", cal.Outcome)
	}
}

// TestRunCapture_NoSamples: a window shorter than the device's sample
// period records nothing and must fail loudly, not succeed empty.
func TestRunCapture_NoSamples(t *testing.T) {
	ctx := context.Background()

	store := storage.New(filepath.Join(t.TempDir(), "capture.db"))
	t.Cleanup(func() { _ = store.Close() })

	config := shortRunConfig()
	config.Device.OutputRateHz = 1 // first simulated sample after 1s
	config.Recording.Duration = Duration(50 * time.Millisecond)
	config.Calibration.Enabled = false

	err := runCapture(ctx, config, store, NewRegistry(), discardLogger())
	if !errors.Is(err, recorder.ErrNoSamples) {
		t.Fatalf("runCapture() error = %v, want ErrNoSamples", err)
	}
}

func TestRunCapture_CalibrationDisabled(t *testing.T) {
	ctx := context.Background()

	store := storage.New(filepath.Join(t.TempDir(), "capture.db"))
	t.Cleanup(func() { _ = store.Close() })

	config := shortRunConfig()
	config.Calibration.Enabled = false

	if err := runCapture(ctx, config, store, NewRegistry(), discardLogger()); err != nil {
		t.Fatalf("runCapture() error = %s", err)
	}

	sessions, err := store.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %s", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("sessions stored = %d, want 1", len(sessions))
	}

	if _, err = store.Calibration(ctx, sessions[0].ID); err == nil {
		t.Error("Calibration() error = nil, want no-rows error with calibration disabled")
	}
}

func TestGyroChannel(t *testing.T) {
	f := func(v float64) *float64 { return &v }

	rows := []recorder.Row{
		{GyrX: f(1), GyrY: f(2), GyrZ: f(3)},
		{}, // no rate of turn
		{GyrX: f(4), GyrY: f(5), GyrZ: f(6)},
	}

	gyro := gyroChannel(rows)
	if len(gyro) != 2 {
		t.Fatalf("gyroChannel() length = %d, want 2", len(gyro))
	}
	if gyro[1].Z != 6 {
		t.Errorf("gyro[1].Z = %f, want 6", gyro[1].Z)
	}
}

func TestDecider_Policies(t *testing.T) {
	logger := discardLogger()

	tests := []struct {
		policy  ApplyPolicy
		quality bool
		want    bool
	}{
		{ApplyAlways, false, true},
		{ApplyAlways, true, true},
		{ApplyNever, true, false},
		{ApplyNever, false, false},
		{ApplyAuto, true, true},
		{ApplyAuto, false, false},
	}

	for _, tt := range tests {
		d := decider(tt.policy, logger)
		got, err := d.Decide(estimateWithQuality(tt.quality))
		if err != nil {
			t.Fatalf("Decide(%s) error = %s", tt.policy, err)
		}
		if got != tt.want {
			t.Errorf("Decide(%s, quality %t) = %t, want %t", tt.policy, tt.quality, got, tt.want)
		}
	}
}

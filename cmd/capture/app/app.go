package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/inertial-tools/mti-capture/internal/calibration"
	"github.com/inertial-tools/mti-capture/internal/mti"
	"github.com/inertial-tools/mti-capture/internal/recorder"
	"github.com/inertial-tools/mti-capture/internal/storage"
)

const storageDir = "data"

// outputChannels is the set of quantities requested from the device, all
// at the configured shared output rate.
var outputChannels = []uint16{
	mti.XDIPacketCounter,
	mti.XDISampleTimeFine,
	mti.XDIStatusWord,
	mti.XDIRateOfTurn,
	mti.XDIAcceleration,
	mti.XDIMagneticField,
	mti.XDITemperature,
	mti.XDIQuaternion,
}

// Run performs one full capture: open the device, optionally bracket the
// recording with the gyroscope bias calibration, record for the configured
// window, persist everything and resolve the calibration decision.
func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	store, err := createStorage(&config.Storage)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer store.Close()

	return runCapture(ctx, config, store, NewRegistry(), logger)
}

func runCapture(ctx context.Context, config *Config, store *storage.Store, registry *Registry, logger *slog.Logger) error {
	session := mti.NewSession(createTransport(&config.Device, logger),
		mti.WithSessionLogger(logger),
		mti.WithAckTimeout(config.Device.AckTimeout.Std()))

	if err := session.Open(ctx); err != nil {
		return fmt.Errorf("opening device session: %w", err)
	}
	defer session.Close()

	info := session.Info()
	run, err := registry.Begin(info.DeviceID)
	if err != nil {
		return err
	}
	defer registry.End(run.ID)

	logger.Info("device connected",
		slog.String("run", run.ID.String()),
		slog.String("product", info.ProductCode),
		slog.String("deviceId", info.DeviceID),
		slog.String("firmware", info.FirmwareVersion),
		slog.String("filterProfile", info.FilterProfile))

	sessionID, err := store.CreateSession(ctx, run.ID.String(), info, config.Device)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	if err = session.EnterConfig(ctx); err != nil {
		return fmt.Errorf("entering config mode: %w", err)
	}
	if err = session.Configure(ctx, config.Device.OutputRateHz, outputChannels); err != nil {
		return fmt.Errorf("configuring outputs: %w", err)
	}

	queue, err := mti.NewPacketQueue(config.Device.QueueCapacity)
	if err != nil {
		return fmt.Errorf("creating packet queue: %w", err)
	}
	if err = session.StreamInto(queue); err != nil {
		return fmt.Errorf("attaching stream: %w", err)
	}

	workflow := calibration.NewWorkflow(session, calibration.WithWorkflowLogger(logger))
	if config.Calibration.Enabled {
		if err = workflow.Begin(ctx); err != nil {
			return fmt.Errorf("starting calibration: %w", err)
		}
	}

	// The workflow only switches to measurement on firmware it supports;
	// the skipped and disabled paths still need the transition. Idempotent
	// when the workflow already did it.
	if err = session.EnterMeasurement(ctx); err != nil {
		return fmt.Errorf("entering measurement mode: %w", err)
	}

	rec := recorder.New(
		recorder.WithLogger(logger),
		recorder.WithYieldInterval(config.Recording.YieldInterval.Std()))

	started := time.Now()
	rows := slices.Collect(rec.Record(ctx, queue, config.Recording.Duration.Std()))

	logger.Info("recording complete",
		slog.String("rows", humanize.Comma(int64(len(rows)))),
		slog.String("dropped", humanize.Comma(int64(queue.Dropped()))),
		slog.Duration("elapsed", time.Since(started).Round(time.Millisecond)))

	var persisted int
	for chunk := range slices.Chunk(rows, config.Storage.MaxBatchSize) {
		if err = store.StoreRows(ctx, sessionID, chunk); err != nil {
			return fmt.Errorf("storing samples (%s of %s rows persisted): %w",
				humanize.Comma(int64(persisted)), humanize.Comma(int64(len(rows))), err)
		}
		persisted += len(chunk)
	}

	if !config.Calibration.Enabled {
		if len(rows) == 0 {
			return fmt.Errorf("%s recording window produced nothing: %w",
				config.Recording.Duration.Std(), recorder.ErrNoSamples)
		}
		return ctx.Err()
	}

	result, finishErr := workflow.Finish(ctx, gyroChannel(rows), decider(config.Calibration.Apply, logger))

	if _, err = store.StoreCalibration(ctx, sessionID, result); err != nil {
		logger.Error("persisting calibration result failed", slog.String("error", err.Error()))
	}

	if finishErr != nil {
		return fmt.Errorf("calibration: %w", finishErr)
	}

	// Reachable with an empty recording only when the workflow skipped;
	// a supported device would have failed estimation above.
	if len(rows) == 0 {
		return fmt.Errorf("%s recording window produced nothing: %w",
			config.Recording.Duration.Std(), recorder.ErrNoSamples)
	}

	logger.Info("capture finished",
		slog.String("run", run.ID.String()),
		slog.String("outcome", string(result.Outcome)),
		slog.Bool("qualityGood", result.QualityGood))
	return ctx.Err()
}

// gyroChannel extracts the angular rate vectors (deg/s) from the recorded
// rows, skipping packets that carried no rate of turn.
func gyroChannel(rows []recorder.Row) []mti.Vector {
	gyro := make([]mti.Vector, 0, len(rows))
	for _, row := range rows {
		if v, ok := row.Gyro(); ok {
			gyro = append(gyro, v)
		}
	}
	return gyro
}

// decider maps the configured apply policy onto a calibration decision.
func decider(policy ApplyPolicy, logger *slog.Logger) calibration.Decider {
	return calibration.DeciderFunc(func(e calibration.Estimate) (bool, error) {
		var apply bool
		switch policy {
		case ApplyAlways:
			apply = true
		case ApplyNever:
			apply = false
		default:
			apply = e.QualityGood()
		}

		logger.Info("calibration decision",
			slog.String("policy", string(policy)),
			slog.Bool("qualityGood", e.QualityGood()),
			slog.Bool("apply", apply))
		return apply, nil
	})
}

func createTransport(config *DeviceConfig, logger *slog.Logger) mti.Transport {
	if config.Simulate {
		cfg := mti.SimulatorConfig{RateHz: int(config.OutputRateHz)}
		if config.SimulateFirmware != "" {
			cfg.Info = mti.DeviceInfo{
				DeviceID:        "03800AD2",
				ProductCode:     "MTi-670",
				FirmwareVersion: config.SimulateFirmware,
				FilterProfile:   "General",
			}
		}
		return mti.NewSimulator(cfg)
	}

	options := []func(*mti.SerialTransport){mti.WithSerialLogger(logger)}
	if config.Port != "" {
		options = append(options, mti.WithPreferredPort(config.Port, config.BaudRate))
	}
	return mti.NewSerialTransport(options...)
}

func createStorage(config *StorageConfig) (*storage.Store, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current working directory: %w", err)
	}

	var dbPath string
	if config.DataDirectory != "" {
		dbPath = filepath.Join(wd, config.DataDirectory)
	} else {
		dbPath = filepath.Join(wd, storageDir)
	}

	stat, err := os.Stat(dbPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("storage directory '%s' does not exist: %w", dbPath, err)
		}
		return nil, fmt.Errorf("checking storage directory '%s': %w", dbPath, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("invalid storage directory '%s'", dbPath)
	}

	dbPath = filepath.Join(dbPath, fmt.Sprintf("mti_capture_%s.sqlite", time.Now().UTC().Format("20060102_150405")))
	return storage.New(dbPath), nil
}

package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inertial-tools/mti-capture/internal/mti"
	"github.com/inertial-tools/mti-capture/internal/recorder"
)

const (
	ApplyAuto   ApplyPolicy = "auto"
	ApplyAlways ApplyPolicy = "always"
	ApplyNever  ApplyPolicy = "never"
)

// ApplyPolicy decides what happens to an estimated bias once the recording
// finishes: auto applies it only when the quality gate passes, always and
// never force the decision either way.
type ApplyPolicy string

// Duration wraps time.Duration with YAML support for values like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}

	*d = Duration(parsed)
	return nil
}

// MarshalJSON renders durations in the same "500ms" form the YAML file
// uses, so the stored session config stays readable.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the main application configuration
type Config struct {
	Settings    Settings          `yaml:"settings"`
	Device      DeviceConfig      `yaml:"device"`
	Recording   RecordingConfig   `yaml:"recording"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Storage     StorageConfig     `yaml:"storage"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel string `yaml:"logLevel"`
}

// Level maps the configured name onto a slog level, defaulting to info.
func (s Settings) Level() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DeviceConfig represents the sensor connection settings.
// SimulateFirmware overrides the simulated device's reported firmware
// version, for exercising firmware that predates bias calibration.
type DeviceConfig struct {
	Simulate         bool     `yaml:"simulate"`
	SimulateFirmware string   `yaml:"simulateFirmware"`
	Port             string   `yaml:"port"`
	BaudRate         int      `yaml:"baudRate"`
	OutputRateHz     uint16   `yaml:"outputRateHz"`
	AckTimeout       Duration `yaml:"ackTimeout"`
	QueueCapacity    int      `yaml:"queueCapacity"`
}

// RecordingConfig represents the acquisition window settings
type RecordingConfig struct {
	Duration      Duration `yaml:"duration"`
	YieldInterval Duration `yaml:"yieldInterval"`
}

// CalibrationConfig represents the gyroscope bias calibration settings
type CalibrationConfig struct {
	Enabled bool        `yaml:"enabled"`
	Apply   ApplyPolicy `yaml:"apply"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	DataDirectory string `yaml:"dataDirectory"`
	MaxBatchSize  int    `yaml:"maxBatchSize"`
}

// maxBatchSize keeps one batch insert under SQLite's default bind
// variable limit at 22 columns per row.
const maxBatchSize = 40

func defaultConfig() *Config {
	return &Config{
		Settings: Settings{LogLevel: "info"},
		Device: DeviceConfig{
			OutputRateHz:  100,
			AckTimeout:    Duration(mti.DefaultAckTimeout),
			QueueCapacity: mti.DefaultQueueCapacity,
		},
		Recording: RecordingConfig{
			Duration:      Duration(30 * time.Second),
			YieldInterval: Duration(recorder.DefaultYieldInterval),
		},
		Calibration: CalibrationConfig{
			Enabled: true,
			Apply:   ApplyAuto,
		},
		Storage: StorageConfig{
			DataDirectory: "data",
			MaxBatchSize:  maxBatchSize,
		},
	}
}

// LoadConfig reads and validates the YAML configuration file. Absent keys
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	p, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	config := defaultConfig()
	if err = yaml.Unmarshal(p, config); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.Device.OutputRateHz == 0 {
		return fmt.Errorf("device output rate must be positive")
	}
	if c.Device.AckTimeout <= 0 {
		return fmt.Errorf("device ack timeout must be positive")
	}
	if c.Device.QueueCapacity <= 0 {
		return fmt.Errorf("device queue capacity must be positive")
	}
	if c.Device.BaudRate < 0 {
		return fmt.Errorf("device baud rate must not be negative")
	}
	if c.Recording.Duration <= 0 {
		return fmt.Errorf("recording duration must be positive")
	}
	if c.Recording.YieldInterval <= 0 {
		return fmt.Errorf("recording yield interval must be positive")
	}
	if c.Storage.MaxBatchSize <= 0 || c.Storage.MaxBatchSize > maxBatchSize {
		return fmt.Errorf("storage batch size must be between 1 and %d", maxBatchSize)
	}

	switch c.Calibration.Apply {
	case ApplyAuto, ApplyAlways, ApplyNever:
	default:
		return fmt.Errorf("invalid calibration apply policy: %q", c.Calibration.Apply)
	}

	return nil
}

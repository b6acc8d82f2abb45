// Package calibration estimates the gyroscope rate-of-turn offset from
// stationary data and drives the closed-loop bias calibration workflow.
package calibration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/inertial-tools/mti-capture/internal/mti"
)

// QualityThreshold is the per-axis standard deviation bound, in deg/s,
// under which a bias estimate is considered trustworthy. It is an
// empirically chosen stationarity bound and deliberately not configurable.
const QualityThreshold = 0.20

// ErrInsufficientData is returned when estimation is attempted on an
// empty batch.
var ErrInsufficientData = errors.New("no gyroscope samples to estimate from")

// Estimate is a per-axis bias statistic over a batch of stationary
// gyroscope readings, in deg/s.
type Estimate struct {
	Mean    mti.Bias
	StdDev  mti.Bias
	Samples int
}

// QualityGood reports whether all three axis standard deviations are at or
// below the quality threshold. It is advisory: the decision to apply an
// estimate stays with the operator.
func (e Estimate) QualityGood() bool {
	return qualityGate(e.StdDev)
}

func qualityGate(stddev mti.Bias) bool {
	return stddev.X <= QualityThreshold &&
		stddev.Y <= QualityThreshold &&
		stddev.Z <= QualityThreshold
}

// Estimate computes the per-axis arithmetic mean and population standard
// deviation of the batch. Fails with ErrInsufficientData on an empty
// batch; a single sample estimates with zero deviation.
func EstimateBias(samples []mti.Vector) (Estimate, error) {
	if len(samples) == 0 {
		return Estimate{}, ErrInsufficientData
	}

	xs := make([]float64, len(samples))
	ys := make([]float64, len(samples))
	zs := make([]float64, len(samples))
	for i, s := range samples {
		xs[i], ys[i], zs[i] = s.X, s.Y, s.Z
	}

	return Estimate{
		Mean: mti.Bias{
			X: stat.Mean(xs, nil),
			Y: stat.Mean(ys, nil),
			Z: stat.Mean(zs, nil),
		},
		StdDev: mti.Bias{
			X: stat.PopStdDev(xs, nil),
			Y: stat.PopStdDev(ys, nil),
			Z: stat.PopStdDev(zs, nil),
		},
		Samples: len(samples),
	}, nil
}

// WithCollectorLogger sets the logger for the collector.
func WithCollectorLogger(logger *slog.Logger) func(*Collector) {
	return func(c *Collector) {
		c.logger = logger
	}
}

// WithCollectorYieldInterval overrides the empty-queue sleep interval.
func WithCollectorYieldInterval(d time.Duration) func(*Collector) {
	return func(c *Collector) {
		c.yieldInterval = d
	}
}

// Collector gathers stationary gyroscope readings from a packet queue,
// same polling discipline as the recording loop but keeping only the rate
// of turn, converted to deg/s. Samples without a gyro channel are
// discarded.
type Collector struct {
	yieldInterval time.Duration
	logger        *slog.Logger
}

// NewCollector creates a collector with a discard logger.
func NewCollector(options ...func(*Collector)) *Collector {
	c := Collector{
		yieldInterval: 200 * time.Microsecond,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&c)
	}

	return &c
}

// Collect drains stale packets, then polls the queue for the given
// duration, returning the gyro vectors in deg/s. The device must be
// stationary for the whole window; that is the operator's responsibility.
func (c *Collector) Collect(ctx context.Context, queue *mti.PacketQueue, duration time.Duration) ([]mti.Vector, error) {
	queue.Drain()

	c.logger.Info("collecting stationary gyroscope data", slog.Duration("duration", duration))

	var samples []mti.Vector
	start := time.Now()
	for time.Since(start) < duration {
		if err := ctx.Err(); err != nil {
			return samples, err
		}

		sample, ok := queue.TryPop()
		if !ok {
			time.Sleep(c.yieldInterval)
			continue
		}
		if sample.Gyro == nil {
			continue
		}

		samples = append(samples, mti.Vector{
			X: mti.RadToDeg(sample.Gyro.X),
			Y: mti.RadToDeg(sample.Gyro.Y),
			Z: mti.RadToDeg(sample.Gyro.Z),
		})
	}

	c.logger.Info("collection complete", slog.Int("samples", len(samples)))
	return samples, nil
}

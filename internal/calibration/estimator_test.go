package calibration

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inertial-tools/mti-capture/internal/mti"
)

func TestEstimateBias_EmptyBatch(t *testing.T) {
	_, err := EstimateBias(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientData))
}

func TestEstimateBias_SingleSample(t *testing.T) {
	est, err := EstimateBias([]mti.Vector{{X: 0.5, Y: -0.25, Z: 0.125}})
	require.NoError(t, err)

	assert.Equal(t, mti.Bias{X: 0.5, Y: -0.25, Z: 0.125}, est.Mean)
	assert.Equal(t, mti.Bias{}, est.StdDev, "single sample must estimate with zero deviation")
	assert.Equal(t, 1, est.Samples)
}

func TestEstimateBias_KnownBatch(t *testing.T) {
	samples := []mti.Vector{
		{X: 1, Y: -1, Z: 0},
		{X: 2, Y: -2, Z: 0},
		{X: 3, Y: -3, Z: 0},
	}

	est, err := EstimateBias(samples)
	require.NoError(t, err)

	assert.InDelta(t, 2.0, est.Mean.X, 1e-12)
	assert.InDelta(t, -2.0, est.Mean.Y, 1e-12)
	assert.InDelta(t, 0.0, est.Mean.Z, 1e-12)

	// Population standard deviation of {1,2,3} is sqrt(2/3).
	want := math.Sqrt(2.0 / 3.0)
	assert.InDelta(t, want, est.StdDev.X, 1e-12)
	assert.InDelta(t, want, est.StdDev.Y, 1e-12)
	assert.InDelta(t, 0.0, est.StdDev.Z, 1e-12)
}

func TestQualityGate_Boundary(t *testing.T) {
	tests := []struct {
		name   string
		stddev mti.Bias
		want   bool
	}{
		{"all well under", mti.Bias{X: 0.05, Y: 0.05, Z: 0.05}, true},
		{"exactly at threshold", mti.Bias{X: 0.20, Y: 0.20, Z: 0.20}, true},
		{"just over on one axis", mti.Bias{X: 0.2000001, Y: 0.1, Z: 0.1}, false},
		{"one noisy axis", mti.Bias{X: 0.5, Y: 0.1, Z: 0.1}, false},
		{"zero deviation", mti.Bias{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			est := Estimate{StdDev: tc.stddev}
			assert.Equal(t, tc.want, est.QualityGood())
		})
	}
}

func TestCollector_KeepsOnlyGyroInDegrees(t *testing.T) {
	queue, err := mti.NewPacketQueue(32)
	require.NoError(t, err)

	// A stale packet that Collect must discard before the window.
	queue.Push(mti.Sample{Gyro: &mti.Vector{X: 99, Y: 99, Z: 99}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(20 * time.Millisecond)
		queue.Push(mti.Sample{Gyro: &mti.Vector{X: math.Pi / 180, Y: 0, Z: 0}}) // 1 deg/s
		queue.Push(mti.Sample{})                                               // no gyro channel
		queue.Push(mti.Sample{Gyro: &mti.Vector{X: 0, Y: math.Pi / 90, Z: 0}}) // 2 deg/s
	}()

	c := NewCollector()
	samples, err := c.Collect(context.Background(), queue, 200*time.Millisecond)
	<-done
	require.NoError(t, err)

	require.Len(t, samples, 2, "samples without a gyro channel must be discarded")
	assert.InDelta(t, 1.0, samples[0].X, 1e-9)
	assert.InDelta(t, 2.0, samples[1].Y, 1e-9)
}

func TestCollector_CancelReturnsEarly(t *testing.T) {
	queue, err := mti.NewPacketQueue(8)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCollector()
	start := time.Now()
	_, err = c.Collect(ctx, queue, 5*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

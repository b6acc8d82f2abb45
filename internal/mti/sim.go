package mti

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimulatorConfig shapes the synthetic device.
type SimulatorConfig struct {
	Info       DeviceInfo
	Port       PortInfo
	RateHz     int
	Bias       Bias    // initial rate-of-turn offset, deg/s
	GyroNoise  float64 // per-axis noise amplitude, deg/s
	DriftRates Vector  // true stationary drift, deg/s

	// MuteBiasAcks makes every 0x78 exchange time out, for exercising the
	// calibration fallback paths.
	MuteBiasAcks bool
}

// Simulator implements Transport against a synthetic stationary device.
// It answers the same message set as live hardware, streams samples at the
// configured rate once in measurement mode, and keeps a rate-of-turn
// offset register that bias writes update and bias reads report. Tests and
// the `simulate` run mode use it in place of a serial port.
type Simulator struct {
	cfg SimulatorConfig

	mu           sync.Mutex
	open         bool
	measuring    bool
	bias         Bias
	biasRequests int
	rng          *rand.Rand

	sinkMu sync.RWMutex
	sink   func(Sample)

	stopStream chan struct{}
	streamWG   sync.WaitGroup

	closeOnce sync.Once
}

// NewSimulator creates a simulated device. Zero-value fields of cfg get
// sensible defaults: 100 Hz output rate and an MTi-670 identity with the
// calibration-capable firmware.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.RateHz <= 0 {
		cfg.RateHz = 100
	}
	if cfg.Info == (DeviceInfo{}) {
		cfg.Info = DeviceInfo{
			DeviceID:        "03800AD2",
			ProductCode:     "MTi-670",
			FirmwareVersion: "1.13.0",
			FilterProfile:   "General",
		}
	}
	if cfg.Port == (PortInfo{}) {
		cfg.Port = PortInfo{Name: "sim0", BaudRate: 115200}
	}

	return &Simulator{
		cfg:  cfg,
		bias: cfg.Bias,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Bias returns the device's current rate-of-turn offset register.
func (s *Simulator) Bias() Bias {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bias
}

// BiasRequests returns how many 0x78 messages the device has seen.
func (s *Simulator) BiasRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.biasRequests
}

// Discover reports the synthetic port.
func (s *Simulator) Discover(ctx context.Context) (PortInfo, error) {
	if err := ctx.Err(); err != nil {
		return PortInfo{}, err
	}
	return s.cfg.Port, nil
}

// Open claims the synthetic port.
func (s *Simulator) Open(ctx context.Context, port PortInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return fmt.Errorf("simulator already open")
	}
	s.open = true
	return nil
}

// EnterConfig stops streaming and switches the device to config mode.
func (s *Simulator) EnterConfig(ctx context.Context) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return fmt.Errorf("simulator is not open")
	}
	wasMeasuring := s.measuring
	s.measuring = false
	stop := s.stopStream
	s.stopStream = nil
	s.mu.Unlock()

	if wasMeasuring && stop != nil {
		close(stop)
		s.streamWG.Wait()
	}
	return nil
}

// EnterMeasurement switches to measurement mode and starts the synthetic
// sample stream.
func (s *Simulator) EnterMeasurement(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return fmt.Errorf("simulator is not open")
	}
	if s.measuring {
		return nil
	}

	s.measuring = true
	s.stopStream = make(chan struct{})
	s.streamWG.Add(1)
	go s.stream(s.stopStream)
	return nil
}

func (s *Simulator) stream(stop chan struct{}) {
	defer s.streamWG.Done()

	interval := time.Second / time.Duration(s.cfg.RateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var counter uint16
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sample := s.nextSample(counter)
			counter++

			s.sinkMu.RLock()
			sink := s.sink
			s.sinkMu.RUnlock()
			if sink != nil {
				sink(sample)
			}
		}
	}
}

// nextSample builds a stationary reading: gravity on Z, the configured
// drift plus noise on the gyro, all passed through the wire codec so the
// decode path is the same as for live hardware.
func (s *Simulator) nextSample(counter uint16) Sample {
	s.mu.Lock()
	drift := s.cfg.DriftRates
	noise := s.cfg.GyroNoise
	jitter := func() float64 { return (s.rng.Float64()*2 - 1) * noise }
	gyroDeg := Vector{
		X: drift.X + jitter(),
		Y: drift.Y + jitter(),
		Z: drift.Z + jitter(),
	}
	s.mu.Unlock()

	degToRad := math.Pi / 180.0
	fine := uint32(counter) * 72 // 7200 Hz fine-time ticks at 100 Hz
	status := uint32(0x03)
	temp := 24.5
	src := Sample{
		PacketCounter:  &counter,
		SampleTimeFine: &fine,
		StatusWord:     &status,
		Gyro:           &Vector{gyroDeg.X * degToRad, gyroDeg.Y * degToRad, gyroDeg.Z * degToRad},
		Accel:          &Vector{0.01, -0.02, 9.81},
		Magnetic:       &Vector{0.21, 0.04, -0.43},
		Temperature:    &temp,
		Quat:           &Quaternion{W: 1, X: 0, Y: 0, Z: 0},
		Euler:          &Euler{Roll: 0.1, Pitch: -0.1, Yaw: 12.3},
	}

	decoded, err := DecodeMTData2(EncodeMTData2(src))
	if err != nil {
		// Codec round-trip of a well-formed sample cannot fail.
		panic(err)
	}
	decoded.Received = time.Now()
	return decoded
}

// SetOutputConfig accepts any channel set.
func (s *Simulator) SetOutputConfig(ctx context.Context, configs []OutputConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return fmt.Errorf("simulator is not open")
	}
	if s.measuring {
		return fmt.Errorf("output configuration only accepted in config mode")
	}
	return nil
}

// SendCustom answers bias read and write requests. Every other request,
// and every request while MuteBiasAcks is set, times out after the given
// bound like an unresponsive device would.
func (s *Simulator) SendCustom(ctx context.Context, req Message, timeout time.Duration) (Message, error) {
	if req.MID == MidBiasRequest {
		s.mu.Lock()
		s.biasRequests++
		s.mu.Unlock()
	}

	if req.MID == MidBiasRequest && !s.cfg.MuteBiasAcks {
		switch BiasSubID(req) {
		case biasSubRead:
			return NewBiasAck(s.Bias()), nil

		case biasSubWrite:
			b, err := ParseBiasWriteRequest(req)
			if err != nil {
				return Message{}, err
			}

			s.mu.Lock()
			s.bias = b
			s.mu.Unlock()
			return NewBiasAck(b), nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		return Message{}, fmt.Errorf("%w: MID %#02x after %s", ErrMessageTimeout, req.MID, timeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// RegisterStream installs the sole streaming sink.
func (s *Simulator) RegisterStream(sink func(Sample)) error {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()

	if s.sink != nil {
		return fmt.Errorf("stream sink already registered")
	}
	s.sink = sink
	return nil
}

// UnregisterStream removes the streaming sink.
func (s *Simulator) UnregisterStream() {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sink = nil
}

// DeviceInfo reports the synthetic identity.
func (s *Simulator) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	return s.cfg.Info, nil
}

// Close stops streaming and releases the synthetic port. Idempotent.
func (s *Simulator) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.open = false
		s.measuring = false
		stop := s.stopStream
		s.stopStream = nil
		s.mu.Unlock()

		if stop != nil {
			close(stop)
			s.streamWG.Wait()
		}
	})
	return nil
}

package mti

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Mode is the device operating state. Output configuration and low-level
// calibration messages are only accepted in config mode; streaming only
// occurs in measurement mode.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeConfig
	ModeMeasurement
)

func (m Mode) String() string {
	switch m {
	case ModeConfig:
		return "config"
	case ModeMeasurement:
		return "measurement"
	default:
		return "unknown"
	}
}

// SessionState tracks the session lifecycle from discovery to close.
type SessionState int

const (
	StateDiscovering SessionState = iota
	StatePortOpen
	StateConfigured
	StateMeasuring
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDiscovering:
		return "discovering"
	case StatePortOpen:
		return "port-open"
	case StateConfigured:
		return "configured"
	case StateMeasuring:
		return "measuring"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) func(*Session) {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithAckTimeout overrides the request/acknowledge exchange timeout.
func WithAckTimeout(timeout time.Duration) func(*Session) {
	return func(s *Session) {
		s.ackTimeout = timeout
	}
}

// Session owns one device for the span of a measurement run: port
// ownership, the config/measurement mode state machine and the streaming
// registration. Exactly one Session may be open against a physical device
// at a time; the run registry enforces exclusivity across runs.
type Session struct {
	transport Transport

	mu        sync.Mutex
	state     SessionState
	mode      Mode
	info      DeviceInfo
	streaming bool

	ackTimeout time.Duration
	logger     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a session over the given transport with a discard
// logger.
func NewSession(t Transport, options ...func(*Session)) *Session {
	s := Session{
		transport:  t,
		state:      StateDiscovering,
		mode:       ModeUnknown,
		ackTimeout: DefaultAckTimeout,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// Open discovers a compatible device, opens its port and reads the device
// identity. On success the session is in the port-open state with the
// device mode unknown.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}

	port, err := s.transport.Discover(ctx)
	if err != nil {
		return fmt.Errorf("discovering device: %w", err)
	}

	s.logger.Info("device found",
		slog.String("port", port.Name),
		slog.Int("baudRate", port.BaudRate))

	if err = s.transport.Open(ctx, port); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPortOpen, port.Name, err)
	}

	info, err := s.transport.DeviceInfo(ctx)
	if err != nil {
		_ = s.transport.Close()
		return fmt.Errorf("reading device identity: %w", err)
	}

	s.info = info
	s.state = StatePortOpen

	s.logger.Info("device opened",
		slog.String("productCode", info.ProductCode),
		slog.String("deviceID", info.DeviceID),
		slog.String("firmwareVersion", info.FirmwareVersion),
		slog.String("filterProfile", info.FilterProfile))

	return nil
}

// Info returns the opened device's identity.
func (s *Session) Info() DeviceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Mode returns the current device mode as tracked by the session.
func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// State returns the current session lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// EnterConfig switches the device into configuration mode.
func (s *Session) EnterConfig(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.mode == ModeConfig {
		return nil
	}

	if err := s.transport.EnterConfig(ctx); err != nil {
		return fmt.Errorf("%w: entering config: %w", ErrModeTransition, err)
	}

	s.mode = ModeConfig
	return nil
}

// EnterMeasurement switches the device into measurement mode.
func (s *Session) EnterMeasurement(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.mode == ModeMeasurement {
		return nil
	}

	if err := s.transport.EnterMeasurement(ctx); err != nil {
		return fmt.Errorf("%w: entering measurement: %w", ErrModeTransition, err)
	}

	s.mode = ModeMeasurement
	if s.state == StateConfigured {
		s.state = StateMeasuring
	}
	return nil
}

// Configure requests the given output channels, all at rateHz. Valid only
// in config mode.
func (s *Session) Configure(ctx context.Context, rateHz uint16, channels []uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.mode != ModeConfig {
		return fmt.Errorf("%w: device is in %s mode, not config", ErrConfigRejected, s.mode)
	}

	configs := make([]OutputConfig, len(channels))
	for i, ch := range channels {
		configs[i] = OutputConfig{DataID: ch, RateHz: rateHz}
	}

	if err := s.transport.SetOutputConfig(ctx, configs); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigRejected, err)
	}

	s.state = StateConfigured
	s.logger.Info("device output configured",
		slog.Int("rateHz", int(rateHz)),
		slog.Int("channels", len(channels)))
	return nil
}

// SendCustom performs one request/acknowledge exchange, validating the
// reply against wantMID. Returns ErrMessageTimeout when no acknowledge
// arrives within the session's exchange timeout, ErrUnexpectedAck when the
// acknowledge id does not match.
func (s *Session) SendCustom(ctx context.Context, req Message, wantMID byte) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return Message{}, ErrSessionClosed
	}

	reply, err := s.transport.SendCustom(ctx, req, s.ackTimeout)
	if err != nil {
		return Message{}, err
	}
	if reply.MID != wantMID {
		return Message{}, fmt.Errorf("%w: got MID %#02x, want %#02x", ErrUnexpectedAck, reply.MID, wantMID)
	}
	return reply, nil
}

// ReadBias requests the current rate-of-turn offset from the device.
// Valid only in config mode.
func (s *Session) ReadBias(ctx context.Context) (Bias, error) {
	if s.Mode() != ModeConfig {
		return Bias{}, fmt.Errorf("%w: bias read requires config mode", ErrModeTransition)
	}

	reply, err := s.SendCustom(ctx, NewBiasReadRequest(), MidBiasAck)
	if err != nil {
		return Bias{}, err
	}
	return ParseBiasAck(reply)
}

// WriteBias sets the rate-of-turn offset on the device. Valid only in
// config mode.
func (s *Session) WriteBias(ctx context.Context, b Bias) error {
	if s.Mode() != ModeConfig {
		return fmt.Errorf("%w: bias write requires config mode", ErrModeTransition)
	}

	_, err := s.SendCustom(ctx, NewBiasWriteRequest(b), MidBiasAck)
	return err
}

// StreamInto registers the queue as the sole receiver of streamed samples.
// Unregistering happens on Close.
func (s *Session) StreamInto(q *PacketQueue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.streaming {
		return fmt.Errorf("session already streaming")
	}

	if err := s.transport.RegisterStream(q.Push); err != nil {
		return fmt.Errorf("registering stream: %w", err)
	}

	s.streaming = true
	return nil
}

// Close unregisters streaming, closes the port and releases all session
// state. Safe to call multiple times and on every exit path.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.streaming {
			s.transport.UnregisterStream()
			s.streaming = false
		}

		s.closeErr = s.transport.Close()
		s.state = StateClosed
		s.mode = ModeUnknown

		s.logger.Info("session closed")
	})

	return s.closeErr
}

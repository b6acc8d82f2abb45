package mti

import (
	"context"
	"errors"
	"time"
)

// DefaultAckTimeout bounds every request/acknowledge exchange with the
// device.
const DefaultAckTimeout = 500 * time.Millisecond

var (
	// ErrNoDeviceFound is returned when neither the automatic enumeration
	// pass nor the manual port sweep locates a compatible device.
	ErrNoDeviceFound = errors.New("no compatible device found")

	// ErrPortOpen is returned when the discovered port cannot be opened.
	ErrPortOpen = errors.New("could not open port")

	// ErrModeTransition is returned when the device refuses a
	// config/measurement mode switch.
	ErrModeTransition = errors.New("mode transition failed")

	// ErrConfigRejected is returned when the device declines the requested
	// output configuration.
	ErrConfigRejected = errors.New("output configuration rejected")

	// ErrMessageTimeout is returned when no acknowledge arrives within the
	// exchange timeout. It is recoverable: callers decide whether to retry,
	// downgrade or surface it.
	ErrMessageTimeout = errors.New("message acknowledge timeout")

	// ErrUnexpectedAck is returned when an acknowledge arrives with a
	// message id other than the expected one.
	ErrUnexpectedAck = errors.New("unexpected acknowledge")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session is closed")
)

// PortInfo identifies a discovered communication channel.
type PortInfo struct {
	Name     string
	BaudRate int
}

// Transport is the capability set this core consumes from the vendor
// layer. The serial implementation talks to live hardware; the simulator
// provides the same surface for tests and hardware-free runs. A transport
// owns at most one port at a time.
type Transport interface {
	// Discover scans the available communication channels for a compatible
	// device. Per-channel failures are expected during the sweep and must
	// not abort it; Discover fails with ErrNoDeviceFound only when every
	// channel has been tried.
	Discover(ctx context.Context) (PortInfo, error)

	// Open claims the discovered port. Streaming data received after Open
	// is delivered to the registered sink, everything else is routed to
	// pending SendCustom calls.
	Open(ctx context.Context, port PortInfo) error

	// EnterConfig switches the device into configuration mode.
	EnterConfig(ctx context.Context) error

	// EnterMeasurement switches the device into measurement mode.
	EnterMeasurement(ctx context.Context) error

	// SetOutputConfig requests the given output channels.
	SetOutputConfig(ctx context.Context, configs []OutputConfig) error

	// SendCustom performs one request/acknowledge exchange, waiting at
	// most timeout for a reply. Returns ErrMessageTimeout when no reply
	// arrives in the window.
	SendCustom(ctx context.Context, req Message, timeout time.Duration) (Message, error)

	// RegisterStream installs the sole streaming sink. Registering twice
	// without unregistering is an error.
	RegisterStream(sink func(Sample)) error

	// UnregisterStream removes the streaming sink. Safe to call when no
	// sink is registered.
	UnregisterStream()

	// DeviceInfo reports the opened device's identity.
	DeviceInfo(ctx context.Context) (DeviceInfo, error)

	// Close releases the port. Idempotent.
	Close() error
}

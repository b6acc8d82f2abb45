package mti

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// candidateBaudRates is the sweep order for the manual discovery pass,
// most common rates first.
var candidateBaudRates = []int{115200, 921600, 2000000, 460800, 230400}

const (
	midReqDID           = 0x00
	midDeviceID         = 0x01
	midReqProductCode   = 0x1C
	midProductCode      = 0x1D
	midReqFirmwareRev   = 0x12
	midFirmwareRev      = 0x13
	midReqFilterProfile = 0x64
	midFilterProfileAck = 0x65
	serialProbeTimeout  = 500 * time.Millisecond
	serialReadTimeout   = 100 * time.Millisecond
)

// WithSerialLogger sets the logger for the serial transport.
func WithSerialLogger(logger *slog.Logger) func(*SerialTransport) {
	return func(t *SerialTransport) {
		t.logger = logger
	}
}

// SerialTransport drives an MTi-class device over a serial port. One
// reader goroutine parses the inbound byte stream into frames: streamed
// data packets go to the registered sink, everything else is routed to the
// pending request/acknowledge exchange.
type SerialTransport struct {
	logger    *slog.Logger
	preferred PortInfo

	mu   sync.Mutex
	port serial.Port
	acks chan Message

	sinkMu sync.RWMutex
	sink   func(Sample)

	readerWG  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// WithPreferredPort makes Discover probe the given port before scanning.
// A zero baud rate means every candidate rate is tried on that port.
func WithPreferredPort(name string, baudRate int) func(*SerialTransport) {
	return func(t *SerialTransport) {
		t.preferred = PortInfo{Name: name, BaudRate: baudRate}
	}
}

// NewSerialTransport creates a serial transport with a discard logger.
func NewSerialTransport(options ...func(*SerialTransport)) *SerialTransport {
	t := SerialTransport{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		acks:   make(chan Message, 8),
		closed: make(chan struct{}),
	}

	for _, option := range options {
		option(&t)
	}

	return &t
}

// Discover scans for a compatible device: first an enumeration pass over
// all listed ports at the default rate, then a manual sweep over every
// port at every candidate rate. Single port/baud failures are logged and
// the sweep continues.
func (t *SerialTransport) Discover(ctx context.Context) (PortInfo, error) {
	if t.preferred.Name != "" {
		bauds := candidateBaudRates
		if t.preferred.BaudRate != 0 {
			bauds = []int{t.preferred.BaudRate}
		}

		for _, baud := range bauds {
			if err := ctx.Err(); err != nil {
				return PortInfo{}, err
			}

			if t.probe(t.preferred.Name, baud) {
				return PortInfo{Name: t.preferred.Name, BaudRate: baud}, nil
			}
		}

		return PortInfo{}, fmt.Errorf("%w: configured port %s did not answer", ErrNoDeviceFound, t.preferred.Name)
	}

	ports, err := serial.GetPortsList()
	if err != nil {
		return PortInfo{}, fmt.Errorf("listing serial ports: %w", err)
	}
	if len(ports) == 0 {
		return PortInfo{}, ErrNoDeviceFound
	}

	t.logger.Info("scanning for devices", slog.Int("ports", len(ports)))

	// Pass 1: every port at the default rate.
	for _, name := range ports {
		if err := ctx.Err(); err != nil {
			return PortInfo{}, err
		}

		if t.probe(name, candidateBaudRates[0]) {
			return PortInfo{Name: name, BaudRate: candidateBaudRates[0]}, nil
		}
	}

	// Pass 2: manual sweep over the remaining rates.
	t.logger.Info("enumeration pass found nothing, sweeping baud rates")
	for _, name := range ports {
		for _, baud := range candidateBaudRates[1:] {
			if err := ctx.Err(); err != nil {
				return PortInfo{}, err
			}

			if t.probe(name, baud) {
				return PortInfo{Name: name, BaudRate: baud}, nil
			}
		}
	}

	return PortInfo{}, ErrNoDeviceFound
}

// probe opens the port, sends GoToConfig and waits briefly for the
// acknowledge. Any failure means "not this port/baud", never an abort.
func (t *SerialTransport) probe(name string, baud int) bool {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		t.logger.Debug("probe: open failed",
			slog.String("port", name),
			slog.Int("baudRate", baud),
			slog.String("error", err.Error()))
		return false
	}
	defer port.Close()

	if err = port.SetReadTimeout(serialReadTimeout); err != nil {
		return false
	}

	frame, err := Message{MID: midGoToConfig}.Encode()
	if err != nil {
		return false
	}
	if _, err = port.Write(frame); err != nil {
		t.logger.Debug("probe: write failed",
			slog.String("port", name),
			slog.Int("baudRate", baud),
			slog.String("error", err.Error()))
		return false
	}

	deadline := time.Now().Add(serialProbeTimeout)
	buf := make([]byte, 0, 64)
	chunk := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := port.Read(chunk)
		if err != nil {
			return false
		}
		if n == 0 {
			continue
		}
		buf = append(buf, chunk[:n]...)

		for {
			buf = alignToPreamble(buf)
			msg, consumed, err := DecodeMessage(buf)
			if err != nil {
				break // need more bytes or garbage, keep reading
			}
			buf = buf[consumed:]

			if msg.MID == midGoToConfigAck {
				t.logger.Info("device answered probe",
					slog.String("port", name),
					slog.Int("baudRate", baud))
				return true
			}
		}
	}

	return false
}

// Open claims the port and starts the frame reader.
func (t *SerialTransport) Open(ctx context.Context, info PortInfo) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return fmt.Errorf("transport already open on %s", info.Name)
	}

	port, err := serial.Open(info.Name, &serial.Mode{
		BaudRate: info.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("opening %s: %w", info.Name, err)
	}

	if err = port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("setting read timeout: %w", err)
	}

	t.port = port
	t.readerWG.Add(1)
	go t.readFrames(port)

	return nil
}

func (t *SerialTransport) readFrames(port serial.Port) {
	defer t.readerWG.Done()

	buf := make([]byte, 0, 512)
	chunk := make([]byte, 256)
	for {
		select {
		case <-t.closed:
			return
		default:
		}

		n, err := port.Read(chunk)
		if err != nil {
			if errors.Is(err, io.EOF) {
				continue
			}
			select {
			case <-t.closed:
			default:
				t.logger.Warn("serial read failed", slog.String("error", err.Error()))
			}
			return
		}
		if n == 0 {
			continue
		}
		buf = append(buf, chunk[:n]...)

		for {
			buf = alignToPreamble(buf)
			msg, consumed, err := DecodeMessage(buf)
			if err != nil {
				// Incomplete frame, wait for more bytes. Skip a corrupt
				// preamble so the scan can resynchronize.
				if len(buf) >= 5 && len(buf) >= int(buf[3])+5 {
					buf = buf[1:]
					continue
				}
				break
			}
			buf = buf[consumed:]
			t.dispatch(msg)
		}
	}
}

func (t *SerialTransport) dispatch(msg Message) {
	if msg.MID == midMTData2 {
		sample, err := DecodeMTData2(msg)
		if err != nil {
			t.logger.Warn("dropping undecodable data packet", slog.String("error", err.Error()))
			return
		}
		sample.Received = time.Now()

		t.sinkMu.RLock()
		sink := t.sink
		t.sinkMu.RUnlock()
		if sink != nil {
			sink(sample)
		}
		return
	}

	// Everything else answers a pending exchange. Drop when nobody waits.
	select {
	case t.acks <- msg:
	default:
	}
}

// SendCustom writes one request frame and waits up to timeout for the next
// non-data frame from the device.
func (t *SerialTransport) SendCustom(ctx context.Context, req Message, timeout time.Duration) (Message, error) {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return Message{}, fmt.Errorf("transport is not open")
	}

	// Drop stale acknowledges from earlier exchanges.
	for {
		select {
		case <-t.acks:
			continue
		default:
		}
		break
	}

	frame, err := req.Encode()
	if err != nil {
		return Message{}, err
	}
	if _, err = port.Write(frame); err != nil {
		return Message{}, fmt.Errorf("writing request: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-t.acks:
		return msg, nil
	case <-timer.C:
		return Message{}, fmt.Errorf("%w: MID %#02x after %s", ErrMessageTimeout, req.MID, timeout)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// EnterConfig switches the device into configuration mode.
func (t *SerialTransport) EnterConfig(ctx context.Context) error {
	return t.modeSwitch(ctx, midGoToConfig, midGoToConfigAck)
}

// EnterMeasurement switches the device into measurement mode.
func (t *SerialTransport) EnterMeasurement(ctx context.Context) error {
	return t.modeSwitch(ctx, midGoToMeasurement, midGoToMeasurementAck)
}

func (t *SerialTransport) modeSwitch(ctx context.Context, mid, ackMID byte) error {
	reply, err := t.SendCustom(ctx, Message{MID: mid}, DefaultAckTimeout)
	if err != nil {
		return err
	}
	if reply.MID != ackMID {
		return fmt.Errorf("%w: got MID %#02x, want %#02x", ErrUnexpectedAck, reply.MID, ackMID)
	}
	return nil
}

// SetOutputConfig requests the given output channels.
func (t *SerialTransport) SetOutputConfig(ctx context.Context, configs []OutputConfig) error {
	reply, err := t.SendCustom(ctx, NewOutputConfigRequest(configs), DefaultAckTimeout)
	if err != nil {
		return err
	}
	if reply.MID != midSetOutputConfigAck {
		return fmt.Errorf("%w: got MID %#02x, want %#02x", ErrUnexpectedAck, reply.MID, midSetOutputConfigAck)
	}
	return nil
}

// DeviceInfo queries the device identity: device id, product code,
// firmware revision and the onboard filter profile.
func (t *SerialTransport) DeviceInfo(ctx context.Context) (DeviceInfo, error) {
	var info DeviceInfo

	reply, err := t.SendCustom(ctx, Message{MID: midReqDID}, DefaultAckTimeout)
	if err != nil {
		return info, fmt.Errorf("requesting device id: %w", err)
	}
	if reply.MID == midDeviceID && len(reply.Data) >= 4 {
		info.DeviceID = fmt.Sprintf("%02X%02X%02X%02X", reply.Data[0], reply.Data[1], reply.Data[2], reply.Data[3])
	}

	reply, err = t.SendCustom(ctx, Message{MID: midReqProductCode}, DefaultAckTimeout)
	if err != nil {
		return info, fmt.Errorf("requesting product code: %w", err)
	}
	if reply.MID == midProductCode {
		info.ProductCode = trimASCII(reply.Data)
	}

	reply, err = t.SendCustom(ctx, Message{MID: midReqFirmwareRev}, DefaultAckTimeout)
	if err != nil {
		return info, fmt.Errorf("requesting firmware revision: %w", err)
	}
	if reply.MID == midFirmwareRev && len(reply.Data) >= 3 {
		info.FirmwareVersion = fmt.Sprintf("%d.%d.%d", reply.Data[0], reply.Data[1], reply.Data[2])
	}

	reply, err = t.SendCustom(ctx, Message{MID: midReqFilterProfile}, DefaultAckTimeout)
	if err != nil {
		return info, fmt.Errorf("requesting filter profile: %w", err)
	}
	if reply.MID == midFilterProfileAck && len(reply.Data) > 2 {
		info.FilterProfile = trimASCII(reply.Data[2:])
	}

	return info, nil
}

// RegisterStream installs the sole streaming sink.
func (t *SerialTransport) RegisterStream(sink func(Sample)) error {
	t.sinkMu.Lock()
	defer t.sinkMu.Unlock()

	if t.sink != nil {
		return fmt.Errorf("stream sink already registered")
	}
	t.sink = sink
	return nil
}

// UnregisterStream removes the streaming sink.
func (t *SerialTransport) UnregisterStream() {
	t.sinkMu.Lock()
	defer t.sinkMu.Unlock()
	t.sink = nil
}

// Close stops the reader and releases the port. Idempotent.
func (t *SerialTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		port := t.port
		t.port = nil
		t.mu.Unlock()

		if port != nil {
			t.closeErr = port.Close()
		}
		t.readerWG.Wait()
	})

	return t.closeErr
}

func alignToPreamble(buf []byte) []byte {
	for len(buf) > 0 && buf[0] != xbusPreamble {
		buf = buf[1:]
	}
	return buf
}

func trimASCII(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}

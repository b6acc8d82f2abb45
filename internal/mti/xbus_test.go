package mti

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestMessage_EncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"no data", Message{MID: midGoToConfig}},
		{"bias read", NewBiasReadRequest()},
		{"bias write", NewBiasWriteRequest(Bias{X: 1.5, Y: -0.25, Z: 0.125})},
		{"output config", NewOutputConfigRequest([]OutputConfig{{DataID: XDIRateOfTurn, RateHz: 100}})},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			frame, err := tc.msg.Encode()
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, consumed, err := DecodeMessage(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if consumed != len(frame) {
				t.Errorf("Expected %d bytes consumed, got %d", len(frame), consumed)
			}
			if decoded.MID != tc.msg.MID {
				t.Errorf("Expected MID %#02x, got %#02x", tc.msg.MID, decoded.MID)
			}
			if !bytes.Equal(decoded.Data, tc.msg.Data) && len(tc.msg.Data) > 0 {
				t.Errorf("Data mismatch: sent % x, got % x", tc.msg.Data, decoded.Data)
			}
		})
	}
}

func TestDecodeMessage_RejectsCorruptFrames(t *testing.T) {
	frame, err := NewBiasReadRequest().Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	t.Run("checksum", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[len(bad)-1]++
		if _, _, err := DecodeMessage(bad); err == nil {
			t.Error("Expected checksum error")
		}
	})

	t.Run("preamble", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		bad[0] = 0x00
		if _, _, err := DecodeMessage(bad); err == nil {
			t.Error("Expected preamble error")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, _, err := DecodeMessage(frame[:len(frame)-2]); err == nil {
			t.Error("Expected truncation error")
		}
	})
}

// TestNewBiasReadRequest_WireLayout pins the exact request bytes the
// device expects: MID 0x78, sub-id 0x02 and the flag byte at data offset 5.
func TestNewBiasReadRequest_WireLayout(t *testing.T) {
	msg := NewBiasReadRequest()

	if msg.MID != 0x78 {
		t.Errorf("Expected MID 0x78, got %#02x", msg.MID)
	}
	want := []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	if !bytes.Equal(msg.Data, want) {
		t.Errorf("Expected data % x, got % x", want, msg.Data)
	}
}

// TestNewBiasWriteRequest_WireLayout pins the write layout: sub-id 0x0E
// then big-endian float32 values at data offsets 2, 6 and 10, overwriting
// the flag byte at offset 5 with the X component tail.
func TestNewBiasWriteRequest_WireLayout(t *testing.T) {
	b := Bias{X: 0.5, Y: -1.25, Z: 2.0}
	msg := NewBiasWriteRequest(b)

	if msg.MID != 0x78 {
		t.Errorf("Expected MID 0x78, got %#02x", msg.MID)
	}
	if len(msg.Data) != 14 {
		t.Fatalf("Expected 14 data bytes, got %d", len(msg.Data))
	}
	if msg.Data[0] != 0x0E {
		t.Errorf("Expected sub-id 0x0E, got %#02x", msg.Data[0])
	}

	for i, want := range []float64{b.X, b.Y, b.Z} {
		off := 2 + i*4
		got := math.Float32frombits(binary.BigEndian.Uint32(msg.Data[off : off+4]))
		if float64(got) != want {
			t.Errorf("Float at offset %d: expected %v, got %v", off, want, got)
		}
	}
}

func TestParseBiasAck_RawOffsets(t *testing.T) {
	// Floats must sit at raw frame offsets 6, 10 and 14.
	ack := NewBiasAck(Bias{X: 0.1234, Y: -0.5, Z: 3.25})
	frame, err := ack.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	wantX := math.Float32frombits(binary.BigEndian.Uint32(frame[6:10]))
	wantY := math.Float32frombits(binary.BigEndian.Uint32(frame[10:14]))
	wantZ := math.Float32frombits(binary.BigEndian.Uint32(frame[14:18]))

	got, err := ParseBiasAck(ack)
	if err != nil {
		t.Fatalf("ParseBiasAck failed: %v", err)
	}
	if got.X != float64(wantX) || got.Y != float64(wantY) || got.Z != float64(wantZ) {
		t.Errorf("Parsed bias %+v does not match raw offsets (%v, %v, %v)", got, wantX, wantY, wantZ)
	}
}

func TestParseBiasAck_WrongMID(t *testing.T) {
	if _, err := ParseBiasAck(Message{MID: midGoToConfigAck, Data: make([]byte, 14)}); err == nil {
		t.Error("Expected error for non-ack MID")
	}
}

// TestBiasWireRoundTrip writes a bias through the request builder, decodes
// it device-side, re-encodes the acknowledge and parses it back. Values
// must survive within float32 precision.
func TestBiasWireRoundTrip(t *testing.T) {
	want := Bias{X: 0.123456, Y: -0.654321, Z: 0.000977}

	req := NewBiasWriteRequest(want)
	deviceSide, err := ParseBiasWriteRequest(req)
	if err != nil {
		t.Fatalf("ParseBiasWriteRequest failed: %v", err)
	}

	got, err := ParseBiasAck(NewBiasAck(deviceSide))
	if err != nil {
		t.Fatalf("ParseBiasAck failed: %v", err)
	}

	const eps = 1e-6 // float32 mantissa at these magnitudes
	if math.Abs(got.X-want.X) > eps || math.Abs(got.Y-want.Y) > eps || math.Abs(got.Z-want.Z) > eps {
		t.Errorf("Round-trip bias %+v, want %+v", got, want)
	}
}

func TestDecodeMTData2_AllChannels(t *testing.T) {
	counter := uint16(17)
	fine := uint32(1224)
	status := uint32(3)
	temp := 25.5
	src := Sample{
		PacketCounter:  &counter,
		SampleTimeFine: &fine,
		StatusWord:     &status,
		Gyro:           &Vector{0.01, -0.02, 0.03},
		Accel:          &Vector{0.5, -0.25, 9.8125},
		Magnetic:       &Vector{0.25, 0.125, -0.5},
		Temperature:    &temp,
		Quat:           &Quaternion{W: 1, X: 0, Y: 0, Z: 0},
		Euler:          &Euler{Roll: 1.5, Pitch: -2.5, Yaw: 90.25},
	}

	got, err := DecodeMTData2(EncodeMTData2(src))
	if err != nil {
		t.Fatalf("DecodeMTData2 failed: %v", err)
	}

	if got.PacketCounter == nil || *got.PacketCounter != counter {
		t.Errorf("PacketCounter: got %v, want %d", got.PacketCounter, counter)
	}
	if got.SampleTimeFine == nil || *got.SampleTimeFine != fine {
		t.Errorf("SampleTimeFine: got %v, want %d", got.SampleTimeFine, fine)
	}
	if got.StatusWord == nil || *got.StatusWord != status {
		t.Errorf("StatusWord: got %v, want %d", got.StatusWord, status)
	}
	if got.Temperature == nil || *got.Temperature != temp {
		t.Errorf("Temperature: got %v, want %v", got.Temperature, temp)
	}
	if got.Accel == nil || *got.Accel != *src.Accel {
		t.Errorf("Accel: got %v, want %v", got.Accel, src.Accel)
	}
	if got.Quat == nil || *got.Quat != *src.Quat {
		t.Errorf("Quat: got %v, want %v", got.Quat, src.Quat)
	}
	if got.Euler == nil || *got.Euler != *src.Euler {
		t.Errorf("Euler: got %v, want %v", got.Euler, src.Euler)
	}
	if got.Gyro == nil {
		t.Fatal("Gyro missing")
	}
	// Gyro values pass through float32 on the wire.
	if math.Abs(got.Gyro.X-0.01) > 1e-7 || math.Abs(got.Gyro.Y+0.02) > 1e-7 || math.Abs(got.Gyro.Z-0.03) > 1e-7 {
		t.Errorf("Gyro: got %v", got.Gyro)
	}
}

// TestDecodeMTData2_AbsentChannels checks that channels missing from the
// payload decode to nil fields rather than zeros.
func TestDecodeMTData2_AbsentChannels(t *testing.T) {
	counter := uint16(1)
	src := Sample{
		PacketCounter: &counter,
		Gyro:          &Vector{0.5, 0.5, 0.5},
	}

	got, err := DecodeMTData2(EncodeMTData2(src))
	if err != nil {
		t.Fatalf("DecodeMTData2 failed: %v", err)
	}

	if got.PacketCounter == nil || got.Gyro == nil {
		t.Error("Present channels must decode")
	}
	if got.Accel != nil || got.Magnetic != nil || got.Temperature != nil ||
		got.Quat != nil || got.Euler != nil || got.StatusWord != nil || got.SampleTimeFine != nil {
		t.Error("Absent channels must stay nil")
	}
}

func TestDecodeMTData2_UnknownBlockSkipped(t *testing.T) {
	// 0x5042 is not a configured channel; the decoder must skip it and
	// still pick up the counter that follows.
	data := []byte{
		0x50, 0x42, 0x02, 0xAA, 0xBB,
		0x10, 0x20, 0x02, 0x00, 0x07,
	}

	got, err := DecodeMTData2(Message{MID: midMTData2, Data: data})
	if err != nil {
		t.Fatalf("DecodeMTData2 failed: %v", err)
	}
	if got.PacketCounter == nil || *got.PacketCounter != 7 {
		t.Errorf("Expected counter 7, got %v", got.PacketCounter)
	}
}

func TestDecodeMTData2_Truncated(t *testing.T) {
	data := []byte{0x10, 0x20, 0x04, 0x00} // declares 4 bytes, has 1
	if _, err := DecodeMTData2(Message{MID: midMTData2, Data: data}); err == nil {
		t.Error("Expected truncation error")
	}
}

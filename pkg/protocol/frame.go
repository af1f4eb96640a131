// Package protocol implements the 9-byte request/response frame spoken by
// the multi-gas sensor module on both its I2C and UART interfaces.
//
// Every frame starts with the sync byte 0xFF and the device class 0x01,
// carries an opcode and five parameter bytes, and ends with a checksum
// that is the two's complement of the sum of bytes 1 through 7.
package protocol

import (
	"errors"
	"fmt"
)

const (
	FrameLen = 9

	syncByte    = 0xFF
	deviceClass = 0x01
)

var (
	// ErrFrameLength is returned by Parse for anything that is not exactly
	// FrameLen bytes long.
	ErrFrameLength = errors.New("protocol: invalid frame length")
	// ErrChecksum is returned by Parse when the checksum byte does not match.
	ErrChecksum = errors.New("protocol: checksum mismatch")
)

// Opcode is byte 2 of a request frame.
type Opcode byte

const (
	OpSetAcquireMode    Opcode = 0x78
	OpReadConcentration Opcode = 0x86
	OpReadTemperature   Opcode = 0x87
	OpDataAvailable     Opcode = 0x88
	OpSetThresholdAlarm Opcode = 0x89
	OpReadVoltage       Opcode = 0x91
	OpSetAddressGroup   Opcode = 0x92
)

func (o Opcode) String() string {
	switch o {
	case OpSetAcquireMode:
		return "set-acquire-mode"
	case OpReadConcentration:
		return "read-concentration"
	case OpReadTemperature:
		return "read-temperature"
	case OpDataAvailable:
		return "data-available"
	case OpSetThresholdAlarm:
		return "set-threshold-alarm"
	case OpReadVoltage:
		return "read-voltage"
	case OpSetAddressGroup:
		return "set-address-group"
	}
	return fmt.Sprintf("opcode(0x%02X)", byte(o))
}

// Frame is a single request or response.
type Frame [FrameLen]byte

// BuildRequest returns a request frame for op with the given parameters and
// a valid checksum.
func BuildRequest(op Opcode, params [5]byte) Frame {
	var f Frame
	f[0] = syncByte
	f[1] = deviceClass
	f[2] = byte(op)
	copy(f[3:8], params[:])
	f[8] = Checksum(f)
	return f
}

// Checksum computes the checksum over bytes 1..7 of f. Byte 8 is ignored.
func Checksum(f Frame) byte {
	var sum byte
	for _, b := range f[1:8] {
		sum += b
	}
	return ^sum + 1
}

// Validate reports whether the checksum byte of f matches its content.
func Validate(f Frame) bool {
	return Checksum(f) == f[8]
}

// Parse converts raw bytes received from a transport into a Frame. A frame
// with a bad checksum is still returned alongside ErrChecksum so callers can
// log it.
func Parse(b []byte) (Frame, error) {
	var f Frame
	if len(b) != FrameLen {
		return f, fmt.Errorf("%w: got %d bytes", ErrFrameLength, len(b))
	}
	copy(f[:], b)
	if !Validate(f) {
		return f, fmt.Errorf("%w: got 0x%02X want 0x%02X", ErrChecksum, f[8], Checksum(f))
	}
	return f, nil
}

// Word returns the big-endian 16-bit value stored at f[i], f[i+1].
func (f Frame) Word(i int) uint16 {
	return uint16(f[i])<<8 | uint16(f[i+1])
}

func (f Frame) String() string {
	return fmt.Sprintf("% X", f[:])
}

// Package protocol implements the framed binary format spoken by field
// devices over the LoRa serial link: frame encode/decode with CRC32
// validation, per-message-type payload decoding, and the outbound
// response packet format understood by the radio module.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Message types (high nibble of header byte 0)
const (
	MsgTypeRFIDScan     uint8 = 0x01 // RFID card scan from gate reader
	MsgTypeTempUpdate   uint8 = 0x02 // Temperature/humidity reading
	MsgTypeMotion       uint8 = 0x03 // Motion sensor event
	MsgTypeRelayControl uint8 = 0x04 // Relay state report
	MsgTypePasskey      uint8 = 0x05 // Keypad passkey event
	MsgTypeGateStatus   uint8 = 0x06 // Gate open/closed status word
	MsgTypeSystemStatus uint8 = 0x07 // Device system status
	MsgTypeDoorStatus   uint8 = 0x08 // Door lock status word

	// Reserved full-byte types used in logs and future framing revisions;
	// the current 4-bit wire field cannot carry them.
	MsgTypeAck   uint8 = 0x80
	MsgTypeError uint8 = 0xFF
)

// Device types (low nibble of header byte 1)
const (
	DeviceTypeRFIDGate      uint8 = 0x01
	DeviceTypeRelayFan      uint8 = 0x02
	DeviceTypeTempSensor    uint8 = 0x03
	DeviceTypeGateway       uint8 = 0x04
	DeviceTypePasskey       uint8 = 0x05
	DeviceTypeMotionOutdoor uint8 = 0x07
	DeviceTypeMotionIndoor  uint8 = 0x08
)

// MsgTypeName maps message type codes to their canonical names.
var MsgTypeName = map[uint8]string{
	MsgTypeRFIDScan:     "rfid_scan",
	MsgTypeTempUpdate:   "temp_update",
	MsgTypeMotion:       "motion",
	MsgTypeRelayControl: "relay_control",
	MsgTypePasskey:      "passkey",
	MsgTypeGateStatus:   "gate_status",
	MsgTypeSystemStatus: "system_status",
	MsgTypeDoorStatus:   "door_status",
	MsgTypeAck:          "ack",
	MsgTypeError:        "error",
}

// DeviceTypeName maps device type codes to their canonical names.
var DeviceTypeName = map[uint8]string{
	DeviceTypeRFIDGate:      "rfid_gate",
	DeviceTypeRelayFan:      "relay_fan",
	DeviceTypeTempSensor:    "temp_sensor",
	DeviceTypeGateway:       "gateway",
	DeviceTypePasskey:       "passkey",
	DeviceTypeMotionOutdoor: "motion_outdoor",
	DeviceTypeMotionIndoor:  "motion_indoor",
}

// Frame magic preamble.
var Magic = []byte{0x00, 0x02, 0x17}

const (
	// HeaderSize is the fixed portion after the magic:
	// 1 (version/type) + 1 (device/flags) + 2 (seq) + 4 (timestamp) + 1 (payload len)
	HeaderSize = 9
	// CRCSize trails the payload.
	CRCSize = 4
	// MagicSize is the preamble length.
	MagicSize = 3
	// MinFrameSize is a complete frame with an empty payload.
	MinFrameSize = MagicSize + HeaderSize + CRCSize
)

// FrameErrorKind enumerates decode failure classes.
type FrameErrorKind int

const (
	FrameTooShort FrameErrorKind = iota
	FrameBadMagic
	FrameLengthOverflow
	FrameBadCRC
	FrameUnknownType
)

func (k FrameErrorKind) String() string {
	switch k {
	case FrameTooShort:
		return "too_short"
	case FrameBadMagic:
		return "bad_magic"
	case FrameLengthOverflow:
		return "length_overflow"
	case FrameBadCRC:
		return "bad_crc"
	case FrameUnknownType:
		return "unknown_type"
	}
	return "unknown"
}

// FrameError reports why a frame failed to decode.
type FrameError struct {
	Kind   FrameErrorKind
	Detail string
}

func (e *FrameError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("frame error: %s", e.Kind)
	}
	return fmt.Sprintf("frame error: %s: %s", e.Kind, e.Detail)
}

func frameErrorf(kind FrameErrorKind, format string, args ...interface{}) error {
	return &FrameError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Frame is a decoded device message.
type Frame struct {
	Version    uint8
	MsgType    uint8
	DeviceType uint8
	Flags      uint8
	Seq        uint16
	Timestamp  uint32 // device epoch seconds
	Payload    []byte
	ReceivedAt int64 // Unix timestamp when received, set by the driver
}

// MsgTypeString returns the canonical name for the frame's message type.
func (f *Frame) MsgTypeString() string {
	if name, ok := MsgTypeName[f.MsgType]; ok {
		return name
	}
	return "unknown"
}

// DeviceTypeString returns the canonical name for the frame's device type.
func (f *Frame) DeviceTypeString() string {
	if name, ok := DeviceTypeName[f.DeviceType]; ok {
		return name
	}
	return "unknown"
}

// Encode serializes the frame, computing the trailing CRC.
func (f *Frame) Encode() []byte {
	buf := make([]byte, MinFrameSize+len(f.Payload))
	copy(buf[0:3], Magic)
	buf[3] = (f.Version & 0x0F) | (f.MsgType&0x0F)<<4
	buf[4] = (f.DeviceType & 0x0F) | (f.Flags&0x0F)<<4
	binary.LittleEndian.PutUint16(buf[5:7], f.Seq)
	binary.LittleEndian.PutUint32(buf[7:11], f.Timestamp)
	buf[11] = uint8(len(f.Payload))
	copy(buf[12:], f.Payload)
	crc := Checksum(buf[3 : 12+len(f.Payload)])
	binary.LittleEndian.PutUint32(buf[12+len(f.Payload):], crc)
	return buf
}

// DecodeFrame parses one complete frame, verifying magic and CRC.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < MinFrameSize {
		return nil, frameErrorf(FrameTooShort, "%d bytes", len(data))
	}
	if data[0] != Magic[0] || data[1] != Magic[1] || data[2] != Magic[2] {
		return nil, frameErrorf(FrameBadMagic, "% 02x", data[:3])
	}

	raw := data[3:]
	payloadLen := int(raw[8])
	if HeaderSize+payloadLen+CRCSize > len(raw) {
		return nil, frameErrorf(FrameLengthOverflow, "declared %d bytes, have %d", payloadLen, len(raw)-HeaderSize-CRCSize)
	}

	received := binary.LittleEndian.Uint32(raw[HeaderSize+payloadLen : HeaderSize+payloadLen+CRCSize])
	calculated := Checksum(raw[:HeaderSize+payloadLen])
	if received != calculated {
		return nil, frameErrorf(FrameBadCRC, "calculated=%#08x received=%#08x", calculated, received)
	}

	f := &Frame{
		Version:    raw[0] & 0x0F,
		MsgType:    (raw[0] >> 4) & 0x0F,
		DeviceType: raw[1] & 0x0F,
		Flags:      (raw[1] >> 4) & 0x0F,
		Seq:        binary.LittleEndian.Uint16(raw[2:4]),
		Timestamp:  binary.LittleEndian.Uint32(raw[4:8]),
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, raw[HeaderSize:HeaderSize+payloadLen])
	}

	if _, ok := MsgTypeName[f.MsgType]; !ok {
		return nil, frameErrorf(FrameUnknownType, "msg type %#02x", f.MsgType)
	}
	return f, nil
}

// Checksum computes the frame CRC32: polynomial 0x04C11DB7, init and
// final xor 0xFFFFFFFF, MSB-first. This is not the reflected zlib
// variant; substituting hash/crc32 breaks interoperability.
func Checksum(data []byte) uint32 {
	var crc uint32 = 0xFFFFFFFF
	for _, b := range data {
		crc ^= uint32(b) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
	}
	return crc ^ 0xFFFFFFFF
}

// RFIDScanPayload carries the scanned card UID.
type RFIDScanPayload struct {
	UID    string // lowercase hex
	UIDLen int
}

// DecodeRFIDScan parses an RFID scan payload.
func DecodeRFIDScan(data []byte) (*RFIDScanPayload, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("rfid scan payload empty")
	}
	return &RFIDScanPayload{
		UID:    hex.EncodeToString(data),
		UIDLen: len(data),
	}, nil
}

// StatusPayload carries an ASCII status word from gate and door devices.
type StatusPayload struct {
	Status string
}

// DecodeStatusWord parses a gate_status or door_status payload.
func DecodeStatusWord(data []byte) *StatusPayload {
	return &StatusPayload{Status: string(data)}
}

// PayloadValue renders the payload for the frame's message type: card UIDs
// as lowercase hex, status words as text, everything else as raw hex.
func (f *Frame) PayloadValue() string {
	switch f.MsgType {
	case MsgTypeRFIDScan:
		return hex.EncodeToString(f.Payload)
	case MsgTypeGateStatus, MsgTypeDoorStatus:
		return string(f.Payload)
	default:
		return hex.EncodeToString(f.Payload)
	}
}

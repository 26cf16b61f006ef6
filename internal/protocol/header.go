package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the size of a canonical packet header.
	HeaderSize = 32

	// LegacyHeaderSize is the size of the header that frames sealed envelopes.
	LegacyHeaderSize = 16

	// DefaultDataSize is the maximum payload bytes carried by one packet.
	DefaultDataSize = 4096

	// ControlSize is the size of a relay control unit.
	ControlSize = 2
)

// Lead bytes that distinguish the three unit kinds on the wire.
// No message type has 0xA3 or 0xE5 as its low byte.
const (
	ProxyMarker  byte = 0xA3
	LegacyMarker byte = 0xE5
	legacyMarker2     = 0x48
)

// Relay control sub-codes that follow ProxyMarker.
const (
	ControlSendHeader   byte = 1
	ControlSendBytes    byte = 2
	ControlReceiveHead  byte = 3
	ControlReceiveBytes byte = 4
)

// ControlName returns a readable name for a relay control sub-code.
func ControlName(sub byte) string {
	switch sub {
	case ControlSendHeader:
		return "SendHeader"
	case ControlSendBytes:
		return "SendBytes"
	case ControlReceiveHead:
		return "ReceiveHeader"
	case ControlReceiveBytes:
		return "ReceiveBytes"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", sub)
	}
}

// Header is the canonical 32-byte packet header.
//
//	Type            [4 bytes] message type
//	Arg1..Arg3      [12 bytes] message specific arguments
//	PacketCount     [4 bytes] packets in this message, 0 for header-only
//	TotalLength     [4 bytes] payload bytes across all packets
//	RemainingLength [4 bytes] payload bytes still to come after this packet
//	ValidLength     [4 bytes] payload bytes carried by this packet
type Header struct {
	Type            MessageType
	Arg1            int32
	Arg2            int32
	Arg3            int32
	PacketCount     int32
	TotalLength     int32
	RemainingLength int32
	ValidLength     int32
}

// IsHeaderOnly reports whether the header is sent without a payload.
func (h Header) IsHeaderOnly() bool {
	return h.PacketCount == 0
}

// PutTo writes the header into the first HeaderSize bytes of buf.
func (h Header) PutTo(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Arg1))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Arg2))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Arg3))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.PacketCount))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.TotalLength))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.RemainingLength))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(h.ValidLength))
}

// Encode serializes the header.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.PutTo(buf)
	return buf
}

// DecodeHeader parses a canonical header and checks its length fields.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header too short", ErrInvalidFrame)
	}
	h := Header{
		Type:            MessageType(binary.LittleEndian.Uint32(buf[0:4])),
		Arg1:            int32(binary.LittleEndian.Uint32(buf[4:8])),
		Arg2:            int32(binary.LittleEndian.Uint32(buf[8:12])),
		Arg3:            int32(binary.LittleEndian.Uint32(buf[12:16])),
		PacketCount:     int32(binary.LittleEndian.Uint32(buf[16:20])),
		TotalLength:     int32(binary.LittleEndian.Uint32(buf[20:24])),
		RemainingLength: int32(binary.LittleEndian.Uint32(buf[24:28])),
		ValidLength:     int32(binary.LittleEndian.Uint32(buf[28:32])),
	}
	if err := checkLengths(h.TotalLength, h.RemainingLength, h.ValidLength); err != nil {
		return Header{}, err
	}
	if h.PacketCount < 0 {
		return Header{}, fmt.Errorf("%w: negative packet count %d", ErrInvalidFrame, h.PacketCount)
	}
	return h, nil
}

func checkLengths(total, remaining, valid int32) error {
	if total < 0 || remaining < 0 || valid < 0 {
		return fmt.Errorf("%w: negative length (total=%d remaining=%d valid=%d)", ErrInvalidFrame, total, remaining, valid)
	}
	if int64(valid)+int64(remaining) > int64(total) {
		return fmt.Errorf("%w: valid %d + remaining %d exceeds total %d", ErrInvalidFrame, valid, remaining, total)
	}
	return nil
}

// LegacyTag distinguishes legacy frames.
type LegacyTag uint16

const (
	LegacyEnvelope   LegacyTag = 1
	LegacyContinue   LegacyTag = 2
	LegacyHeaderOnly LegacyTag = 3
)

// LegacyHeader is the 16-byte header used for sealed envelopes.
//
//	Marker          [2 bytes] 0xE5 0x48
//	Tag             [2 bytes] envelope, continue or header-only
//	ValidLength     [4 bytes]
//	RemainingLength [4 bytes]
//	TotalLength     [4 bytes]
//
// Envelope packets are always padded to the data size. A header-only unit
// has zero lengths and no body.
type LegacyHeader struct {
	Tag             LegacyTag
	ValidLength     int32
	RemainingLength int32
	TotalLength     int32
}

// PutTo writes the header into the first LegacyHeaderSize bytes of buf.
func (h LegacyHeader) PutTo(buf []byte) {
	_ = buf[LegacyHeaderSize-1]
	buf[0] = LegacyMarker
	buf[1] = legacyMarker2
	binary.LittleEndian.PutUint16(buf[2:4], uint16(h.Tag))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ValidLength))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.RemainingLength))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.TotalLength))
}

// Encode serializes the header.
func (h LegacyHeader) Encode() []byte {
	buf := make([]byte, LegacyHeaderSize)
	h.PutTo(buf)
	return buf
}

// DecodeLegacyHeader parses a legacy header.
func DecodeLegacyHeader(buf []byte) (LegacyHeader, error) {
	if len(buf) < LegacyHeaderSize {
		return LegacyHeader{}, fmt.Errorf("%w: legacy header too short", ErrInvalidFrame)
	}
	if buf[0] != LegacyMarker || buf[1] != legacyMarker2 {
		return LegacyHeader{}, fmt.Errorf("%w: bad legacy marker %02x%02x", ErrInvalidFrame, buf[0], buf[1])
	}
	h := LegacyHeader{
		Tag:             LegacyTag(binary.LittleEndian.Uint16(buf[2:4])),
		ValidLength:     int32(binary.LittleEndian.Uint32(buf[4:8])),
		RemainingLength: int32(binary.LittleEndian.Uint32(buf[8:12])),
		TotalLength:     int32(binary.LittleEndian.Uint32(buf[12:16])),
	}
	switch h.Tag {
	case LegacyEnvelope, LegacyContinue:
	case LegacyHeaderOnly:
		if h.TotalLength != 0 || h.RemainingLength != 0 || h.ValidLength != 0 {
			return LegacyHeader{}, fmt.Errorf("%w: header-only legacy unit declares %d bytes", ErrInvalidFrame, h.TotalLength)
		}
	default:
		return LegacyHeader{}, fmt.Errorf("%w: unknown legacy tag %d", ErrInvalidFrame, h.Tag)
	}
	if err := checkLengths(h.TotalLength, h.RemainingLength, h.ValidLength); err != nil {
		return LegacyHeader{}, err
	}
	return h, nil
}

// PacketCount returns the number of packets needed for a payload of n bytes.
// An empty payload still occupies one packet.
func PacketCount(n, dataSize int) int {
	if n < 1 {
		n = 1
	}
	return (n + dataSize - 1) / dataSize
}

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortHeader     = errors.New("short packet header")
	ErrPacketTooSmall  = errors.New("packet smaller than opcode")
	ErrPacketTooLarge  = errors.New("packet exceeds size limit")
	ErrUnexpectedTag   = errors.New("plaintext packet carries a tag")
	ErrShortPacket     = errors.New("packet payload truncated")
	ErrStringTooLong   = errors.New("string exceeds 255 bytes")
	ErrInvalidGreeting = errors.New("unexpected greeting")
)

// PacketHeader precedes every framed packet.
// Size counts the opcode and payload that follow. Tag is all zeroes while
// the connection is in plaintext mode and the AEAD tag afterwards.
type PacketHeader struct {
	Size uint32
	Tag  [TagSize]byte
}

// PlaintextMarker is the tag value carried before encryption is enabled.
var PlaintextMarker [TagSize]byte

// Encode writes the header into dst, which must hold HeaderSize bytes.
func (h PacketHeader) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[:SizeField], h.Size)
	copy(dst[SizeField:HeaderSize], h.Tag[:])
}

// Bytes returns the encoded header.
func (h PacketHeader) Bytes() []byte {
	out := make([]byte, HeaderSize)
	h.Encode(out)
	return out
}

// IsPlaintext reports whether the header carries the plaintext marker.
func (h PacketHeader) IsPlaintext() bool {
	return h.Tag == PlaintextMarker
}

// Validate checks the size claim against the opcode minimum and limit.
func (h PacketHeader) Validate(limit uint32) error {
	if h.Size < OpcodeSize {
		return fmt.Errorf("%w: size %d", ErrPacketTooSmall, h.Size)
	}
	if h.Size > limit {
		return fmt.Errorf("%w: size %d (max %d)", ErrPacketTooLarge, h.Size, limit)
	}
	return nil
}

// DecodeHeader parses a header from the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(b) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	h.Size = binary.LittleEndian.Uint32(b[:SizeField])
	copy(h.Tag[:], b[SizeField:HeaderSize])
	return h, nil
}

// SplitBody separates a frame body into opcode and payload.
func SplitBody(body []byte) (Opcode, []byte, error) {
	if len(body) < OpcodeSize {
		return 0, nil, fmt.Errorf("%w: body %d bytes", ErrPacketTooSmall, len(body))
	}
	return Opcode(binary.LittleEndian.Uint16(body[:OpcodeSize])), body[OpcodeSize:], nil
}

package protocol

import (
	"encoding/binary"
	"fmt"
)

// PacketBuilder constructs little-endian packet payloads.
type PacketBuilder struct {
	buf []byte
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{buf: make([]byte, 0, 64)}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf = b.buf[:0]
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v uint8) *PacketBuilder {
	b.buf = append(b.buf, v)
	return b
}

// WriteBool writes a boolean as one byte.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	return b
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	b.buf = binary.LittleEndian.AppendUint64(b.buf, v)
	return b
}

// WriteInt64 writes an int64 in little-endian order.
func (b *PacketBuilder) WriteInt64(v int64) *PacketBuilder {
	return b.WriteUint64(uint64(v))
}

// WriteString writes a length-prefixed string.
// Format: [length:1][string bytes...]
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	data := []byte(s)
	if len(data) > 255 {
		data = data[:255]
	}
	b.buf = append(b.buf, byte(len(data)))
	b.buf = append(b.buf, data...)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf = append(b.buf, data...)
	return b
}

// Build returns the constructed payload.
func (b *PacketBuilder) Build() []byte {
	return b.buf
}

// BuildFrame returns a plaintext frame: zero-tag header, opcode, payload.
func (b *PacketBuilder) BuildFrame(opcode Opcode) []byte {
	frame := make([]byte, HeaderSize+OpcodeSize+len(b.buf))
	PacketHeader{Size: uint32(OpcodeSize + len(b.buf))}.Encode(frame[:HeaderSize])
	binary.LittleEndian.PutUint16(frame[HeaderSize:], uint16(opcode))
	copy(frame[HeaderSize+OpcodeSize:], b.buf)
	return frame
}

// Len returns the current size of the payload being built.
func (b *PacketBuilder) Len() int {
	return len(b.buf)
}

// String returns a hex dump of the current payload for debugging.
func (b *PacketBuilder) String() string {
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(b.buf), b.buf)
}

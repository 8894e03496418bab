package protocol

import (
	"encoding/binary"
	"fmt"
)

// PacketReader decodes little-endian fields from a payload.
// The first failure is sticky: later reads return zero values and Err
// reports the original problem.
type PacketReader struct {
	data []byte
	off  int
	err  error
}

// NewPacketReader wraps a payload for reading.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

func (r *PacketReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortPacket, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// ReadUint8 reads one byte.
func (r *PacketReader) ReadUint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadBool reads one byte as a boolean.
func (r *PacketReader) ReadBool() bool {
	return r.ReadUint8() != 0
}

// ReadUint16 reads a little-endian uint16.
func (r *PacketReader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// ReadUint32 reads a little-endian uint32.
func (r *PacketReader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadUint64 reads a little-endian uint64.
func (r *PacketReader) ReadUint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ReadInt64 reads a little-endian int64.
func (r *PacketReader) ReadInt64() int64 {
	return int64(r.ReadUint64())
}

// ReadInto fills dst with the next len(dst) bytes.
func (r *PacketReader) ReadInto(dst []byte) {
	if b := r.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

// ReadString reads a string with a one-byte length prefix.
func (r *PacketReader) ReadString() string {
	n := int(r.ReadUint8())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.off
}

// Err returns the first decoding error.
func (r *PacketReader) Err() error {
	return r.err
}

// Package compression implements the deflate envelope used for large
// outbound packets.
package compression

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/adler32"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/energizer-project/worldgate/internal/protocol"
)

// Threshold is the payload size above which packets are compressed.
const Threshold = 1024

// Envelope layout: [uncompressed_size:4][inner_adler:4][compressed_adler:4][deflate...]
const envelopeHeaderSize = 12

var (
	ErrTruncatedEnvelope = errors.New("compressed envelope truncated")
	ErrChecksumMismatch  = errors.New("compressed envelope checksum mismatch")
	ErrSizeMismatch      = errors.New("compressed envelope size mismatch")
	ErrEnvelopeTooLarge  = errors.New("compressed envelope exceeds size limit")
)

// Codec compresses outbound packets. It is not safe for concurrent use; a
// connection serializes it under its write lock.
type Codec struct {
	level int
	w     *flate.Writer
	buf   bytes.Buffer
	body  []byte
}

// NewCodec creates a codec at the given deflate level (1-9).
func NewCodec(level int) (*Codec, error) {
	c := &Codec{level: level}
	w, err := flate.NewWriter(&c.buf, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create deflate writer: %w", err)
	}
	c.w = w
	return c, nil
}

// MaybeCompress wraps payload in a compressed envelope when it exceeds
// Threshold and the connection cipher is active. Otherwise it returns its
// inputs unchanged.
func (c *Codec) MaybeCompress(opcode protocol.Opcode, payload []byte, cipherReady bool) (protocol.Opcode, []byte, error) {
	if !cipherReady || len(payload) <= Threshold {
		return opcode, payload, nil
	}
	envelope, err := c.Compress(opcode, payload)
	if err != nil {
		return opcode, nil, err
	}
	return protocol.SMSGCompressedPacket, envelope, nil
}

// Compress always builds an envelope for opcode and payload.
func (c *Codec) Compress(opcode protocol.Opcode, payload []byte) ([]byte, error) {
	c.body = binary.LittleEndian.AppendUint16(c.body[:0], uint16(opcode))
	c.body = append(c.body, payload...)

	c.buf.Reset()
	c.w.Reset(&c.buf)
	if _, err := c.w.Write(c.body); err != nil {
		return nil, fmt.Errorf("failed to deflate packet: %w", err)
	}
	if err := c.w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish deflate stream: %w", err)
	}
	compressed := c.buf.Bytes()

	out := make([]byte, envelopeHeaderSize, envelopeHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(c.body)))
	binary.LittleEndian.PutUint32(out[4:8], adler32.Checksum(c.body))
	binary.LittleEndian.PutUint32(out[8:12], adler32.Checksum(compressed))
	return append(out, compressed...), nil
}

// Level returns the deflate level.
func (c *Codec) Level() int {
	return c.level
}

// Decompress opens an envelope and returns the inner opcode and payload.
// maxSize bounds the declared uncompressed size (opcode included).
func Decompress(envelope []byte, maxSize uint32) (protocol.Opcode, []byte, error) {
	if len(envelope) < envelopeHeaderSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrTruncatedEnvelope, len(envelope))
	}
	size := binary.LittleEndian.Uint32(envelope[0:4])
	innerSum := binary.LittleEndian.Uint32(envelope[4:8])
	outerSum := binary.LittleEndian.Uint32(envelope[8:12])
	compressed := envelope[envelopeHeaderSize:]

	if adler32.Checksum(compressed) != outerSum {
		return 0, nil, fmt.Errorf("%w: compressed data", ErrChecksumMismatch)
	}
	if size < protocol.OpcodeSize || size > maxSize {
		return 0, nil, fmt.Errorf("%w: declared %d (max %d)", ErrEnvelopeTooLarge, size, maxSize)
	}

	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrSizeMismatch, err)
	}
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return 0, nil, fmt.Errorf("%w: trailing data after %d bytes", ErrSizeMismatch, size)
	}
	if adler32.Checksum(body) != innerSum {
		return 0, nil, fmt.Errorf("%w: inner packet", ErrChecksumMismatch)
	}

	opcode, payload, err := protocol.SplitBody(body)
	if err != nil {
		return 0, nil, err
	}
	return opcode, payload, nil
}

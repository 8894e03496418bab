package network

import (
	"github.com/energizer-project/worldgate/internal/protocol"
)

// FrameHandler receives one complete frame. body holds the opcode and
// payload and is only valid for the duration of the call.
type FrameHandler func(hdr protocol.PacketHeader, body []byte) error

// FrameReader splits an inbound byte stream into frames. Chunks may end
// anywhere: mid-header, mid-body or across several frames.
type FrameReader struct {
	header     *MessageBuffer
	body       *MessageBuffer
	hdr        protocol.PacketHeader
	haveHeader bool
	limit      uint32
}

// NewFrameReader creates a reader that rejects frames larger than limit.
func NewFrameReader(limit uint32) *FrameReader {
	return &FrameReader{
		header: NewMessageBuffer(protocol.HeaderSize),
		body:   NewMessageBuffer(0),
		limit:  limit,
	}
}

// SetLimit changes the maximum accepted frame size for subsequent headers.
func (r *FrameReader) SetLimit(limit uint32) {
	r.limit = limit
}

// Limit returns the current maximum frame size.
func (r *FrameReader) Limit() uint32 {
	return r.limit
}

// Feed consumes chunk, calling fn for every frame it completes. It stops at
// the first header validation error or handler error.
func (r *FrameReader) Feed(chunk []byte, fn FrameHandler) error {
	for len(chunk) > 0 {
		if !r.haveHeader {
			n := r.header.Write(chunk)
			chunk = chunk[n:]
			if r.header.Remaining() > 0 {
				return nil
			}

			hdr, err := protocol.DecodeHeader(r.header.Bytes())
			if err != nil {
				return err
			}
			if err := hdr.Validate(r.limit); err != nil {
				return err
			}
			r.hdr = hdr
			r.haveHeader = true
			r.body.Reset()
			r.body.Resize(int(hdr.Size))
		}

		n := r.body.Write(chunk)
		chunk = chunk[n:]
		if r.body.Remaining() > 0 {
			return nil
		}

		hdr := r.hdr
		r.header.Reset()
		r.haveHeader = false
		if err := fn(hdr, r.body.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// Pending reports whether a partial frame is buffered.
func (r *FrameReader) Pending() bool {
	return r.haveHeader || r.header.Remaining() < protocol.HeaderSize
}

// Release drops both buffers.
func (r *FrameReader) Release() {
	r.header.Release()
	r.body.Release()
	r.haveHeader = false
}

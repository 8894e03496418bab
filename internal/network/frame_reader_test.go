package network

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/worldgate/internal/protocol"
)

type capturedFrame struct {
	hdr  protocol.PacketHeader
	body []byte
}

func plainFrame(opcode protocol.Opcode, payload []byte) []byte {
	return protocol.NewPacketBuilder().WriteBytes(payload).BuildFrame(opcode)
}

func collect(frames *[]capturedFrame) FrameHandler {
	return func(hdr protocol.PacketHeader, body []byte) error {
		*frames = append(*frames, capturedFrame{hdr: hdr, body: append([]byte(nil), body...)})
		return nil
	}
}

func TestFrameReaderChunking(t *testing.T) {
	sizes := []int{0, 1, 19, 20, 21, 65536}
	rng := rand.New(rand.NewSource(42))

	var stream []byte
	var payloads [][]byte
	for i, size := range sizes {
		payload := make([]byte, size)
		rng.Read(payload)
		payloads = append(payloads, payload)
		stream = append(stream, plainFrame(protocol.Opcode(0x1000+i), payload)...)
	}

	chunkers := map[string]func() int{
		"single_bytes": func() int { return 1 },
		"random":       func() int { return 1 + rng.Intn(97) },
		"whole":        func() int { return len(stream) },
	}

	for name, next := range chunkers {
		t.Run(name, func(t *testing.T) {
			r := NewFrameReader(protocol.MaxPacketSize)
			var frames []capturedFrame

			for off := 0; off < len(stream); {
				n := min(next(), len(stream)-off)
				require.NoError(t, r.Feed(stream[off:off+n], collect(&frames)))
				off += n
			}

			require.Len(t, frames, len(sizes))
			assert.False(t, r.Pending())
			for i, f := range frames {
				assert.True(t, f.hdr.IsPlaintext())
				op, payload, err := protocol.SplitBody(f.body)
				require.NoError(t, err)
				assert.Equal(t, protocol.Opcode(0x1000+i), op)
				assert.True(t, bytes.Equal(payloads[i], payload), "payload %d mismatch", i)
			}
		})
	}
}

func TestFrameReaderRejectsBadSizes(t *testing.T) {
	t.Run("too_small", func(t *testing.T) {
		r := NewFrameReader(protocol.MaxHandshakePacketSize)
		hdr := protocol.PacketHeader{Size: 1}.Bytes()
		err := r.Feed(hdr, func(protocol.PacketHeader, []byte) error { return nil })
		assert.ErrorIs(t, err, protocol.ErrPacketTooSmall)
	})

	t.Run("too_large", func(t *testing.T) {
		r := NewFrameReader(protocol.MaxHandshakePacketSize)
		hdr := protocol.PacketHeader{Size: protocol.MaxHandshakePacketSize + 1}.Bytes()
		err := r.Feed(hdr, func(protocol.PacketHeader, []byte) error { return nil })
		assert.ErrorIs(t, err, protocol.ErrPacketTooLarge)
	})

	t.Run("limit_raised", func(t *testing.T) {
		r := NewFrameReader(protocol.MaxHandshakePacketSize)
		r.SetLimit(protocol.MaxPacketSize)
		assert.Equal(t, uint32(protocol.MaxPacketSize), r.Limit())

		var frames []capturedFrame
		frame := plainFrame(0x42, make([]byte, protocol.MaxHandshakePacketSize+10))
		require.NoError(t, r.Feed(frame, collect(&frames)))
		assert.Len(t, frames, 1)
	})
}

func TestFrameReaderHandlerErrorStops(t *testing.T) {
	r := NewFrameReader(protocol.MaxPacketSize)
	stream := append(plainFrame(1, nil), plainFrame(2, nil)...)

	calls := 0
	err := r.Feed(stream, func(protocol.PacketHeader, []byte) error {
		calls++
		return errConnectionClosed
	})
	assert.ErrorIs(t, err, errConnectionClosed)
	assert.Equal(t, 1, calls)
}

func TestMessageBuffer(t *testing.T) {
	b := NewMessageBuffer(4)
	assert.Equal(t, 2, b.Write([]byte{1, 2}))
	assert.Equal(t, 2, b.Remaining())
	assert.Equal(t, 2, b.Write([]byte{3, 4, 5}))
	assert.Equal(t, 0, b.Remaining())
	assert.Equal(t, []byte{1, 2, 3, 4}, b.Bytes())

	b.Reset()
	assert.Empty(t, b.Bytes())
	assert.Equal(t, 4, b.Size())

	b.Resize(128 * 1024)
	assert.Equal(t, 128*1024, b.Size())
	b.Resize(8)
	assert.Equal(t, 8, b.Size())
	assert.LessOrEqual(t, cap(b.data), 64*1024, "large buffer should shrink")

	b.Release()
	assert.Equal(t, 0, b.Size())
}

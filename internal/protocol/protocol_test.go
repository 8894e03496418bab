package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := PacketHeader{Size: 0x01020304}
	for i := range h.Tag {
		h.Tag[i] = byte(i + 1)
	}

	b := h.Bytes()
	require.Len(t, b, HeaderSize)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, b[:SizeField])

	got, err := DecodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.False(t, got.IsPlaintext())
	assert.True(t, PacketHeader{Size: 2}.IsPlaintext())
}

func TestDecodeHeaderShort(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrShortHeader)
}

func TestHeaderValidate(t *testing.T) {
	tests := []struct {
		name  string
		size  uint32
		limit uint32
		want  error
	}{
		{"zero", 0, MaxHandshakePacketSize, ErrPacketTooSmall},
		{"one", 1, MaxHandshakePacketSize, ErrPacketTooSmall},
		{"opcode only", 2, MaxHandshakePacketSize, nil},
		{"handshake limit", MaxHandshakePacketSize, MaxHandshakePacketSize, nil},
		{"over handshake limit", MaxHandshakePacketSize + 1, MaxHandshakePacketSize, ErrPacketTooLarge},
		{"established limit", MaxPacketSize, MaxPacketSize, nil},
		{"over established limit", MaxPacketSize + 1, MaxPacketSize, ErrPacketTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PacketHeader{Size: tt.size}.Validate(tt.limit)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestSplitBody(t *testing.T) {
	op, payload, err := SplitBody([]byte{0x65, 0x37, 0xAA})
	require.NoError(t, err)
	assert.Equal(t, CMSGAuthSession, op)
	assert.Equal(t, []byte{0xAA}, payload)

	_, _, err = SplitBody([]byte{0x01})
	require.ErrorIs(t, err, ErrPacketTooSmall)
}

func TestBuildFrame(t *testing.T) {
	frame := NewPacketBuilder().WriteUint32(7).BuildFrame(SMSGPong)
	require.Len(t, frame, HeaderSize+OpcodeSize+4)

	h, err := DecodeHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(OpcodeSize+4), h.Size)
	assert.True(t, h.IsPlaintext())

	op, payload, err := SplitBody(frame[HeaderSize:])
	require.NoError(t, err)
	assert.Equal(t, SMSGPong, op)
	pong, err := ParsePong(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), pong.Serial)
}

func TestBuilderReader(t *testing.T) {
	b := NewPacketBuilder().
		WriteUint8(0xAB).
		WriteBool(true).
		WriteUint16(0xBEEF).
		WriteUint32(0xDEADBEEF).
		WriteUint64(0x0102030405060708).
		WriteInt64(-5).
		WriteString("ticket").
		WriteBytes([]byte{1, 2, 3})

	r := NewPacketReader(b.Build())
	assert.Equal(t, uint8(0xAB), r.ReadUint8())
	assert.True(t, r.ReadBool())
	assert.Equal(t, uint16(0xBEEF), r.ReadUint16())
	assert.Equal(t, uint32(0xDEADBEEF), r.ReadUint32())
	assert.Equal(t, uint64(0x0102030405060708), r.ReadUint64())
	assert.Equal(t, int64(-5), r.ReadInt64())
	assert.Equal(t, "ticket", r.ReadString())
	tail := make([]byte, 3)
	r.ReadInto(tail)
	assert.Equal(t, []byte{1, 2, 3}, tail)
	assert.Zero(t, r.Remaining())
	require.NoError(t, r.Err())
}

func TestReaderStickyError(t *testing.T) {
	r := NewPacketReader([]byte{1, 2})
	assert.Zero(t, r.ReadUint32())
	assert.Zero(t, r.ReadUint8())
	require.ErrorIs(t, r.Err(), ErrShortPacket)
}

func TestWriteStringTruncates(t *testing.T) {
	long := bytes.Repeat([]byte{'x'}, 300)
	payload := NewPacketBuilder().WriteString(string(long)).Build()
	require.Len(t, payload, 256)
	assert.Equal(t, byte(255), payload[0])
}

func TestAuthSessionRoundTrip(t *testing.T) {
	in := AuthSession{
		DosResponse:  42,
		Build:        54261,
		RealmID:      1,
		Capabilities: 0x3,
		Ticket:       "c0ffee",
	}
	in.LocalChallenge[0] = 0x11
	in.Digest[31] = 0x22

	out, err := ParseAuthSession(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestParseAuthSessionRejects(t *testing.T) {
	_, err := ParseAuthSession(AuthSession{}.Encode())
	assert.Error(t, err, "empty ticket")

	full := AuthSession{Ticket: "abc"}.Encode()
	_, err = ParseAuthSession(full[:len(full)-1])
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestContinuedSessionAndChallenge(t *testing.T) {
	cs := AuthContinuedSession{DosResponse: 1, Key: 0xFFEE}
	cs.Digest[0] = 9
	gotCS, err := ParseAuthContinuedSession(cs.Encode())
	require.NoError(t, err)
	assert.Equal(t, cs, gotCS)

	ch := AuthChallenge{DosZeroBits: 1}
	ch.Challenge[15] = 0x7F
	ch.DosChallenge[0] = 0x01
	payload := ch.Encode()
	require.Len(t, payload, DosChallengeSize+ChallengeSize+1)
	gotCh, err := ParseAuthChallenge(payload)
	require.NoError(t, err)
	assert.Equal(t, ch, gotCh)
}

func TestAuthResponseLayout(t *testing.T) {
	fail := AuthResponse{Result: AuthBanned}.Encode()
	assert.Len(t, fail, 4)

	ok := AuthResponse{Result: AuthOK, AccountID: 77, Expansion: 9, Security: 2}
	payload := ok.Encode()
	assert.Len(t, payload, 10)
	got, err := ParseAuthResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, ok, got)
}

func TestConnectToKeyPacking(t *testing.T) {
	k := ConnectToKey{AccountID: 0xCAFEBABE, ConnectionType: ConnectionTypeInstance, Key: 0x7FFFFFFF}
	raw := k.Raw()
	assert.Equal(t, uint64(0xCAFEBABE), raw&0xFFFFFFFF)
	assert.Equal(t, uint64(1), (raw>>32)&1)
	assert.Equal(t, k, ParseConnectToKey(raw))

	// The high bit of Key does not fit and is dropped.
	masked := ConnectToKey{AccountID: 1, Key: 0xFFFFFFFF}
	assert.Equal(t, uint32(0x7FFFFFFF), ParseConnectToKey(masked.Raw()).Key)
}

func TestConnectToRoundTrip(t *testing.T) {
	in := ConnectTo{Key: 99, Serial: 3, Port: 8086, Address: "10.0.0.5"}
	out, err := ParseConnectTo(in.Encode())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "CMSG_PING", CMSGPing.String())
	assert.Equal(t, "0x1234", Opcode(0x1234).String())
	assert.Equal(t, "banned", AuthBanned.String())
	assert.Equal(t, "result_99", AuthResult(99).String())
	assert.True(t, CMSGAuthContinuedSession.IsAuthRequest())
	assert.False(t, CMSGPing.IsAuthRequest())
}

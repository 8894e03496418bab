package protocol

import "fmt"

// AuthChallenge is the first framed packet the server sends.
// Format: [dos_challenge:32][challenge:16][dos_zero_bits:1]
type AuthChallenge struct {
	DosChallenge [DosChallengeSize]byte
	Challenge    [ChallengeSize]byte
	DosZeroBits  uint8
}

// Encode serializes the challenge payload.
func (m AuthChallenge) Encode() []byte {
	b := NewPacketBuilder()
	b.WriteBytes(m.DosChallenge[:])
	b.WriteBytes(m.Challenge[:])
	b.WriteUint8(m.DosZeroBits)
	return b.Build()
}

// ParseAuthChallenge decodes an SMSG_AUTH_CHALLENGE payload.
func ParseAuthChallenge(payload []byte) (AuthChallenge, error) {
	var m AuthChallenge
	r := NewPacketReader(payload)
	r.ReadInto(m.DosChallenge[:])
	r.ReadInto(m.Challenge[:])
	m.DosZeroBits = r.ReadUint8()
	if err := r.Err(); err != nil {
		return m, fmt.Errorf("failed to parse auth challenge: %w", err)
	}
	return m, nil
}

// AuthSession is a fresh login request.
// Format: [dos_response:8][build:4][realm_id:4][local_challenge:16]
//
//	[digest:32][capabilities:4][ticket:str]
type AuthSession struct {
	DosResponse    uint64
	Build          uint32
	RealmID        uint32
	LocalChallenge [ChallengeSize]byte
	Digest         [DigestSize]byte
	Capabilities   uint32
	Ticket         string
}

// Encode serializes the request payload.
func (m AuthSession) Encode() []byte {
	b := NewPacketBuilder()
	b.WriteUint64(m.DosResponse)
	b.WriteUint32(m.Build)
	b.WriteUint32(m.RealmID)
	b.WriteBytes(m.LocalChallenge[:])
	b.WriteBytes(m.Digest[:])
	b.WriteUint32(m.Capabilities)
	b.WriteString(m.Ticket)
	return b.Build()
}

// ParseAuthSession decodes a CMSG_AUTH_SESSION payload.
func ParseAuthSession(payload []byte) (AuthSession, error) {
	var m AuthSession
	r := NewPacketReader(payload)
	m.DosResponse = r.ReadUint64()
	m.Build = r.ReadUint32()
	m.RealmID = r.ReadUint32()
	r.ReadInto(m.LocalChallenge[:])
	r.ReadInto(m.Digest[:])
	m.Capabilities = r.ReadUint32()
	m.Ticket = r.ReadString()
	if err := r.Err(); err != nil {
		return m, fmt.Errorf("failed to parse auth session: %w", err)
	}
	if m.Ticket == "" {
		return m, fmt.Errorf("failed to parse auth session: empty ticket")
	}
	return m, nil
}

// AuthContinuedSession attaches a second connection to an account that
// already authenticated on the realm connection.
// Format: [dos_response:8][key:8][local_challenge:16][digest:32]
type AuthContinuedSession struct {
	DosResponse    uint64
	Key            uint64
	LocalChallenge [ChallengeSize]byte
	Digest         [DigestSize]byte
}

// Encode serializes the request payload.
func (m AuthContinuedSession) Encode() []byte {
	b := NewPacketBuilder()
	b.WriteUint64(m.DosResponse)
	b.WriteUint64(m.Key)
	b.WriteBytes(m.LocalChallenge[:])
	b.WriteBytes(m.Digest[:])
	return b.Build()
}

// ParseAuthContinuedSession decodes a CMSG_AUTH_CONTINUED_SESSION payload.
func ParseAuthContinuedSession(payload []byte) (AuthContinuedSession, error) {
	var m AuthContinuedSession
	r := NewPacketReader(payload)
	m.DosResponse = r.ReadUint64()
	m.Key = r.ReadUint64()
	r.ReadInto(m.LocalChallenge[:])
	r.ReadInto(m.Digest[:])
	if err := r.Err(); err != nil {
		return m, fmt.Errorf("failed to parse auth continued session: %w", err)
	}
	return m, nil
}

// EnterEncryptedMode tells the client to switch its cipher on. Signature
// proves the server derived the same transport key without revealing it.
// Format: [signature:32][enabled:1]
type EnterEncryptedMode struct {
	Signature [SignatureSize]byte
	Enabled   bool
}

// Encode serializes the notification payload.
func (m EnterEncryptedMode) Encode() []byte {
	b := NewPacketBuilder()
	b.WriteBytes(m.Signature[:])
	b.WriteBool(m.Enabled)
	return b.Build()
}

// ParseEnterEncryptedMode decodes an SMSG_ENTER_ENCRYPTED_MODE payload.
func ParseEnterEncryptedMode(payload []byte) (EnterEncryptedMode, error) {
	var m EnterEncryptedMode
	r := NewPacketReader(payload)
	r.ReadInto(m.Signature[:])
	m.Enabled = r.ReadBool()
	if err := r.Err(); err != nil {
		return m, fmt.Errorf("failed to parse enter encrypted mode: %w", err)
	}
	return m, nil
}

// AuthResponse reports the outcome of authentication.
// Format: [result:4] and, when Result is AuthOK, [account_id:4][expansion:1][security:1]
type AuthResponse struct {
	Result    AuthResult
	AccountID uint32
	Expansion uint8
	Security  uint8
}

// Encode serializes the response payload.
func (m AuthResponse) Encode() []byte {
	b := NewPacketBuilder()
	b.WriteUint32(uint32(m.Result))
	if m.Result == AuthOK {
		b.WriteUint32(m.AccountID)
		b.WriteUint8(m.Expansion)
		b.WriteUint8(m.Security)
	}
	return b.Build()
}

// ParseAuthResponse decodes an SMSG_AUTH_RESPONSE payload.
func ParseAuthResponse(payload []byte) (AuthResponse, error) {
	var m AuthResponse
	r := NewPacketReader(payload)
	m.Result = AuthResult(r.ReadUint32())
	if m.Result == AuthOK {
		m.AccountID = r.ReadUint32()
		m.Expansion = r.ReadUint8()
		m.Security = r.ReadUint8()
	}
	if err := r.Err(); err != nil {
		return m, fmt.Errorf("failed to parse auth response: %w", err)
	}
	return m, nil
}

// Ping is the client latency report.
// Format: [serial:4][latency:4]
type Ping struct {
	Serial  uint32
	Latency uint32
}

// Encode serializes the ping payload.
func (m Ping) Encode() []byte {
	return NewPacketBuilder().WriteUint32(m.Serial).WriteUint32(m.Latency).Build()
}

// ParsePing decodes a CMSG_PING payload.
func ParsePing(payload []byte) (Ping, error) {
	r := NewPacketReader(payload)
	m := Ping{Serial: r.ReadUint32(), Latency: r.ReadUint32()}
	if err := r.Err(); err != nil {
		return m, fmt.Errorf("failed to parse ping: %w", err)
	}
	return m, nil
}

// Pong answers a Ping with the same serial.
type Pong struct {
	Serial uint32
}

// Encode serializes the reply payload.
func (m Pong) Encode() []byte {
	return NewPacketBuilder().WriteUint32(m.Serial).Build()
}

// ParsePong decodes an SMSG_PONG payload.
func ParsePong(payload []byte) (Pong, error) {
	r := NewPacketReader(payload)
	m := Pong{Serial: r.ReadUint32()}
	if err := r.Err(); err != nil {
		return m, fmt.Errorf("failed to parse pong: %w", err)
	}
	return m, nil
}

// ConnectTo directs the client to open an instance connection using Key.
// Format: [key:8][serial:4][port:2][address:str]
type ConnectTo struct {
	Key     uint64
	Serial  uint32
	Port    uint16
	Address string
}

// Encode serializes the redirect payload.
func (m ConnectTo) Encode() []byte {
	b := NewPacketBuilder()
	b.WriteUint64(m.Key)
	b.WriteUint32(m.Serial)
	b.WriteUint16(m.Port)
	b.WriteString(m.Address)
	return b.Build()
}

// ParseConnectTo decodes an SMSG_CONNECT_TO payload.
func ParseConnectTo(payload []byte) (ConnectTo, error) {
	r := NewPacketReader(payload)
	m := ConnectTo{
		Key:    r.ReadUint64(),
		Serial: r.ReadUint32(),
		Port:   r.ReadUint16(),
	}
	m.Address = r.ReadString()
	if err := r.Err(); err != nil {
		return m, fmt.Errorf("failed to parse connect to: %w", err)
	}
	return m, nil
}

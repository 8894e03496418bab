// Package protocol implements the world socket wire format: the plaintext
// greeting lines, the fixed packet header, the handshake messages and the
// little-endian builders and readers used to encode them.
package protocol

import "fmt"

// Greeting lines exchanged before any framed packet. Both sides send theirs
// as raw ASCII terminated by a newline.
const (
	ServerGreeting = "WORLD OF WARCRAFT CONNECTION - SERVER TO CLIENT - V2\n"
	ClientGreeting = "WORLD OF WARCRAFT CONNECTION - CLIENT TO SERVER - V2\n"
)

// Opcode identifies the payload layout of a packet.
type Opcode uint16

// Client to server opcodes.
const (
	CMSGAuthSession           Opcode = 0x3765 // Fresh login with realm join ticket
	CMSGAuthContinuedSession  Opcode = 0x3766 // Second connection resuming an account
	CMSGEnterEncryptedModeAck Opcode = 0x3767 // Client switched its cipher on
	CMSGPing                  Opcode = 0x3768 // Latency ping
	CMSGLogDisconnect         Opcode = 0x3769 // Client is about to disconnect
	CMSGKeepAlive             Opcode = 0x3680
	CMSGTimeSyncResponse      Opcode = 0x3A3B
	CMSGQueryTime             Opcode = 0x36A6
	CMSGLogoutRequest         Opcode = 0x34E5
)

// Server to client opcodes.
const (
	SMSGAuthChallenge      Opcode = 0x3048
	SMSGEnterEncryptedMode Opcode = 0x3049
	SMSGConnectTo          Opcode = 0x304D
	SMSGPong               Opcode = 0x304E
	SMSGCompressedPacket   Opcode = 0x3052 // Envelope carrying a deflated inner packet
	SMSGAuthResponse       Opcode = 0x256D
	SMSGQueryTimeResponse  Opcode = 0x2684
	SMSGLogoutComplete     Opcode = 0x2686
)

var opcodeNames = map[Opcode]string{
	CMSGAuthSession:           "CMSG_AUTH_SESSION",
	CMSGAuthContinuedSession:  "CMSG_AUTH_CONTINUED_SESSION",
	CMSGEnterEncryptedModeAck: "CMSG_ENTER_ENCRYPTED_MODE_ACK",
	CMSGPing:                  "CMSG_PING",
	CMSGLogDisconnect:         "CMSG_LOG_DISCONNECT",
	CMSGKeepAlive:             "CMSG_KEEP_ALIVE",
	CMSGTimeSyncResponse:      "CMSG_TIME_SYNC_RESPONSE",
	CMSGQueryTime:             "CMSG_QUERY_TIME",
	CMSGLogoutRequest:         "CMSG_LOGOUT_REQUEST",
	SMSGAuthChallenge:         "SMSG_AUTH_CHALLENGE",
	SMSGEnterEncryptedMode:    "SMSG_ENTER_ENCRYPTED_MODE",
	SMSGConnectTo:             "SMSG_CONNECT_TO",
	SMSGPong:                  "SMSG_PONG",
	SMSGCompressedPacket:      "SMSG_COMPRESSED_PACKET",
	SMSGAuthResponse:          "SMSG_AUTH_RESPONSE",
	SMSGQueryTimeResponse:     "SMSG_QUERY_TIME_RESPONSE",
	SMSGLogoutComplete:        "SMSG_LOGOUT_COMPLETE",
}

// String returns the symbolic opcode name, or its hex value when unknown.
func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", uint16(o))
}

// IsAuthRequest reports whether the opcode opens an authentication attempt.
func (o Opcode) IsAuthRequest() bool {
	return o == CMSGAuthSession || o == CMSGAuthContinuedSession
}

// Frame layout sizes.
const (
	TagSize    = 16
	SizeField  = 4
	HeaderSize = SizeField + TagSize
	OpcodeSize = 2
)

// Size limits for the opcode+payload part of a frame.
const (
	MaxHandshakePacketSize = 10240
	MaxPacketSize          = 0x40000
)

// Handshake field sizes.
const (
	ChallengeSize    = 16
	DigestSize       = 32
	DosChallengeSize = 32
	SignatureSize    = 32
)

// Packet is a decoded opcode and its payload.
type Packet struct {
	Opcode  Opcode
	Payload []byte
}

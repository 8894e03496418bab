package network

// ConnectionState is the handshake position of a WorldConnection.
type ConnectionState int32

const (
	StateAwaitingGreeting ConnectionState = iota
	StateAwaitingAuthRequest
	StateAwaitingCredentialLookup
	StateAwaitingEncryptionAck
	StateEstablished
	StateClosed
)

var connectionStateStrings = map[ConnectionState]string{
	StateAwaitingGreeting:         "awaiting_greeting",
	StateAwaitingAuthRequest:      "awaiting_auth_request",
	StateAwaitingCredentialLookup: "awaiting_credential_lookup",
	StateAwaitingEncryptionAck:    "awaiting_encryption_ack",
	StateEstablished:              "established",
	StateClosed:                   "closed",
}

// String returns the string representation of ConnectionState.
func (s ConnectionState) String() string {
	if str, ok := connectionStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes ConnectionState as a JSON string (e.g. "established").
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// inHandshake reports whether the handshake timer still applies.
func (s ConnectionState) inHandshake() bool {
	return s < StateEstablished
}

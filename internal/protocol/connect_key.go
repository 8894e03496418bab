package protocol

// ConnectionType distinguishes the primary realm connection from the
// secondary instance connection opened during a transfer.
type ConnectionType uint8

const (
	ConnectionTypeRealm    ConnectionType = 0
	ConnectionTypeInstance ConnectionType = 1
)

// String returns the lowercase connection type name.
func (t ConnectionType) String() string {
	if t == ConnectionTypeInstance {
		return "instance"
	}
	return "realm"
}

// MarshalJSON serializes ConnectionType as a JSON string.
func (t ConnectionType) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// ConnectToKey is the 8-byte resumption key of a continued session.
// Layout: bits 0-31 account id, bit 32 connection type, bits 33-63 random key.
type ConnectToKey struct {
	AccountID      uint32
	ConnectionType ConnectionType
	Key            uint32
}

const connectToKeyMask = 0x7FFFFFFF

// Raw packs the key into its wire form.
func (k ConnectToKey) Raw() uint64 {
	return uint64(k.AccountID) |
		uint64(k.ConnectionType&1)<<32 |
		uint64(k.Key&connectToKeyMask)<<33
}

// ParseConnectToKey unpacks a wire key.
func ParseConnectToKey(raw uint64) ConnectToKey {
	return ConnectToKey{
		AccountID:      uint32(raw),
		ConnectionType: ConnectionType((raw >> 32) & 1),
		Key:            uint32(raw>>33) & connectToKeyMask,
	}
}

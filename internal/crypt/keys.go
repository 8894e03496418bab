package crypt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

const (
	ChallengeSize  = 16
	DigestSize     = sha256.Size
	SessionKeySize = 40
)

// Fixed seeds mixed into each derivation step.
var (
	authCheckSeed = [16]byte{
		0xC5, 0xC6, 0x98, 0x95, 0x76, 0x3F, 0x1D, 0xCD,
		0xB6, 0xA1, 0x37, 0x28, 0xB3, 0x12, 0xFF, 0x8A,
	}
	sessionKeySeed = [16]byte{
		0x58, 0xCB, 0xCF, 0x40, 0xFE, 0x2E, 0xCE, 0xA6,
		0x5A, 0x90, 0xB8, 0x01, 0x68, 0x6C, 0x28, 0x0B,
	}
	continuedSessionSeed = [16]byte{
		0x16, 0xAD, 0x0C, 0xD4, 0x46, 0xF9, 0x4F, 0xB2,
		0xEF, 0x7D, 0xEA, 0x2A, 0x17, 0x66, 0x4D, 0x2F,
	}
	encryptionKeySeed = [16]byte{
		0xE9, 0x75, 0x3C, 0x50, 0x90, 0x93, 0x61, 0xDA,
		0x3B, 0x07, 0xEE, 0xFA, 0xFF, 0x9D, 0x41, 0xB8,
	}
	enableEncryptionSeed = [16]byte{
		0x90, 0x9C, 0xD0, 0x50, 0x5A, 0x2C, 0x14, 0xDD,
		0x5C, 0x2C, 0xC0, 0x64, 0x14, 0xF3, 0xFE, 0xC9,
	}
)

// DerivedKeys is the output of a successful fresh login.
type DerivedKeys struct {
	Digest     [DigestSize]byte
	SessionKey [SessionKeySize]byte
	EncryptKey [KeySize]byte
}

// AuthDigest computes the digest the client must present in a fresh login:
// HMAC-SHA256(SHA256(secret), client || server || authCheckSeed).
func AuthDigest(secret []byte, server, client [ChallengeSize]byte) [DigestSize]byte {
	keyHash := sha256.Sum256(secret)
	return hmacSum(keyHash[:], client[:], server[:], authCheckSeed[:])
}

// DeriveKeys runs the full fresh-login chain for secret and both challenges.
func DeriveKeys(secret []byte, server, client [ChallengeSize]byte) DerivedKeys {
	keyHash := sha256.Sum256(secret)

	var keys DerivedKeys
	keys.Digest = hmacSum(keyHash[:], client[:], server[:], authCheckSeed[:])

	seed := hmacSum(keyHash[:], server[:], client[:], sessionKeySeed[:])
	gen := NewSessionKeyGenerator(seed[:])
	gen.Read(keys.SessionKey[:])

	keys.EncryptKey = DeriveEncryptKey(keys.SessionKey[:], server, client)
	return keys
}

// DeriveEncryptKey produces the 16-byte transport key from a session key.
func DeriveEncryptKey(sessionKey []byte, server, client [ChallengeSize]byte) [KeySize]byte {
	sum := hmacSum(sessionKey, client[:], server[:], encryptionKeySeed[:])
	var key [KeySize]byte
	copy(key[:], sum[:KeySize])
	return key
}

// ContinuedSessionDigest computes the digest a resuming client presents:
// HMAC-SHA256(sessionKey, key LE || client || server || continuedSessionSeed).
func ContinuedSessionDigest(sessionKey []byte, key uint64, server, client [ChallengeSize]byte) [DigestSize]byte {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], key)
	return hmacSum(sessionKey, raw[:], client[:], server[:], continuedSessionSeed[:])
}

// EnableEncryptionSignature proves knowledge of encryptKey without sending it.
func EnableEncryptionSignature(encryptKey [KeySize]byte, enabled bool) [DigestSize]byte {
	flag := []byte{0}
	if enabled {
		flag[0] = 1
	}
	return hmacSum(encryptKey[:], flag, enableEncryptionSeed[:])
}

// VerifyDigest compares a presented digest in constant time.
func VerifyDigest(expected [DigestSize]byte, presented []byte) bool {
	return hmac.Equal(expected[:], presented)
}

func hmacSum(key []byte, parts ...[]byte) [DigestSize]byte {
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	var out [DigestSize]byte
	copy(out[:], mac.Sum(nil))
	return out
}

package crypt

import (
	"crypto/sha256"
	"encoding/binary"
	"math/bits"
)

// MaxDosZeroBits bounds the work a server may demand before login.
const MaxDosZeroBits = 32

// dosHash returns SHA256(challenge || response LE).
func dosHash(challenge []byte, response uint64) [sha256.Size]byte {
	h := sha256.New()
	h.Write(challenge)
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], response)
	h.Write(raw[:])
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// leadingZeroBits counts zero bits from the most significant end of sum.
func leadingZeroBits(sum []byte) int {
	n := 0
	for _, b := range sum {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}

// VerifyDosResponse reports whether response solves the proof of work for
// challenge. Zero bits accepts any response.
func VerifyDosResponse(challenge []byte, response uint64, zeroBits uint8) bool {
	if zeroBits == 0 {
		return true
	}
	sum := dosHash(challenge, response)
	return leadingZeroBits(sum[:]) >= int(zeroBits)
}

// SolveDosChallenge searches for the smallest response that satisfies
// zeroBits. Clients and tests use it; the server only verifies.
func SolveDosChallenge(challenge []byte, zeroBits uint8) uint64 {
	var response uint64
	for !VerifyDosResponse(challenge, response, zeroBits) {
		response++
	}
	return response
}

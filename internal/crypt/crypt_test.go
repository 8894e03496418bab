package crypt

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() [KeySize]byte {
	var k [KeySize]byte
	for i := range k {
		k[i] = byte(0xA0 + i)
	}
	return k
}

func pair(t *testing.T, suite Suite) (*PacketCrypt, *PacketCrypt) {
	t.Helper()
	server := NewServerCrypt(suite)
	client := NewClientCrypt(suite)
	require.NoError(t, server.Initialize(testKey()))
	require.NoError(t, client.Initialize(testKey()))
	return server, client
}

func TestParseSuite(t *testing.T) {
	s, err := ParseSuite("")
	require.NoError(t, err)
	assert.Equal(t, SuiteAES128GCM, s)

	s, err = ParseSuite("chacha20-poly1305")
	require.NoError(t, err)
	assert.Equal(t, SuiteChaCha20Poly1305, s)

	_, err = ParseSuite("rc4")
	assert.ErrorIs(t, err, ErrUnknownSuite)
}

func TestPassThroughBeforeInitialize(t *testing.T) {
	c := NewServerCrypt(SuiteAES128GCM)
	data := []byte("plaintext")

	tag, err := c.Encrypt(data)
	require.NoError(t, err)
	assert.Equal(t, [TagSize]byte{}, tag)
	assert.Equal(t, []byte("plaintext"), data)
	assert.True(t, c.Decrypt(data, tag))
	assert.Equal(t, []byte("plaintext"), data)
	assert.False(t, c.IsInitialized())
}

func TestDoubleInitialize(t *testing.T) {
	c := NewServerCrypt(SuiteAES128GCM)
	require.NoError(t, c.Initialize(testKey()))
	assert.ErrorIs(t, c.Initialize(testKey()), ErrAlreadyInitialized)
}

func TestRoundTripManyPackets(t *testing.T) {
	for _, suite := range []Suite{SuiteAES128GCM, SuiteChaCha20Poly1305} {
		t.Run(string(suite), func(t *testing.T) {
			server, client := pair(t, suite)
			mirror, _ := pair(t, suite)
			rng := rand.New(rand.NewSource(1))

			for i := 1; i <= 1000; i++ {
				plain := make([]byte, rng.Intn(512))
				rng.Read(plain)

				data := append([]byte(nil), plain...)
				tag, err := server.Encrypt(data)
				require.NoError(t, err)
				if len(plain) >= 8 {
					require.NotEqual(t, plain, data, "packet %d", i)
				}

				// Same key, same position, same output.
				again := append([]byte(nil), plain...)
				tag2, err := mirror.Encrypt(again)
				require.NoError(t, err)
				require.Equal(t, data, again)
				require.Equal(t, tag, tag2)

				require.True(t, client.Decrypt(data, tag), "packet %d", i)
				require.Equal(t, plain, data, "packet %d", i)
			}
		})
	}
}

func TestDirectionsDoNotCollide(t *testing.T) {
	server, client := pair(t, SuiteAES128GCM)

	a := []byte("same bytes")
	b := []byte("same bytes")
	tagA, err := server.Encrypt(a)
	require.NoError(t, err)
	tagB, err := client.Encrypt(b)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, tagA, tagB)

	// A server packet reflected back at the server must not verify.
	reflected := NewServerCrypt(SuiteAES128GCM)
	require.NoError(t, reflected.Initialize(testKey()))
	assert.False(t, reflected.Decrypt(a, tagA))
}

func TestTamperLeavesStateUnchanged(t *testing.T) {
	server, client := pair(t, SuiteAES128GCM)
	plain := []byte("the quick brown fox jumps over the lazy dog")

	data := append([]byte(nil), plain...)
	tag, err := server.Encrypt(data)
	require.NoError(t, err)

	for bit := 0; bit < len(data)*8; bit++ {
		tampered := append([]byte(nil), data...)
		tampered[bit/8] ^= 1 << (bit % 8)
		snapshot := append([]byte(nil), tampered...)
		require.False(t, client.Decrypt(tampered, tag), "bit %d", bit)
		require.Equal(t, snapshot, tampered, "bit %d", bit)
	}
	for bit := 0; bit < TagSize*8; bit++ {
		badTag := tag
		badTag[bit/8] ^= 1 << (bit % 8)
		snapshot := append([]byte(nil), data...)
		require.False(t, client.Decrypt(data, badTag), "tag bit %d", bit)
		require.Equal(t, snapshot, data)
	}

	// Counter did not move, so the genuine packet still opens.
	require.True(t, client.Decrypt(data, tag))
	assert.Equal(t, plain, data)
}

func TestReplayRejected(t *testing.T) {
	server, client := pair(t, SuiteChaCha20Poly1305)
	data := []byte("once")
	tag, err := server.Encrypt(data)
	require.NoError(t, err)

	first := append([]byte(nil), data...)
	require.True(t, client.Decrypt(first, tag))
	second := append([]byte(nil), data...)
	assert.False(t, client.Decrypt(second, tag))
}

func TestHmacSumVectors(t *testing.T) {
	// RFC 4231 test case 1.
	key := bytes.Repeat([]byte{0x0b}, 20)
	sum := hmacSum(key, []byte("Hi "), []byte("There"))
	assert.Equal(t, "b0344c61d8db38535ca8afceaf0bf12b881dc200c9833da726e9376c2e32cff7", hex.EncodeToString(sum[:]))

	// RFC 4231 test case 2, split across several parts.
	sum = hmacSum([]byte("Jefe"), []byte("what do ya "), []byte("want "), []byte("for nothing?"))
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", hex.EncodeToString(sum[:]))
}

func TestSessionKeyGenerator(t *testing.T) {
	seed := []byte("abcdef")
	o1 := sha256.Sum256(seed[:3])
	o2 := sha256.Sum256(seed[3:])

	var zero [32]byte
	block1 := sha256.Sum256(concat(o1[:], zero[:], o2[:]))
	block2 := sha256.Sum256(concat(o1[:], block1[:], o2[:]))

	out := make([]byte, SessionKeySize)
	NewSessionKeyGenerator(seed).Read(out)
	assert.Equal(t, block1[:], out[:32])
	assert.Equal(t, block2[:8], out[32:])

	// Chunked reads produce the same stream.
	g := NewSessionKeyGenerator(seed)
	chunked := make([]byte, 0, SessionKeySize)
	for _, n := range []int{1, 7, 24, 8} {
		buf := make([]byte, n)
		g.Read(buf)
		chunked = append(chunked, buf...)
	}
	assert.Equal(t, out, chunked)
}

func TestDeriveKeysMatchesChain(t *testing.T) {
	secret := []byte("account shared secret")
	var server, client [ChallengeSize]byte
	for i := range server {
		server[i] = byte(i)
		client[i] = byte(0xF0 - i)
	}

	keys := DeriveKeys(secret, server, client)
	assert.Equal(t, keys, DeriveKeys(secret, server, client))

	keyHash := sha256.Sum256(secret)
	assert.Equal(t, mac(keyHash[:], client[:], server[:], authCheckSeed[:]), keys.Digest[:])
	assert.Equal(t, keys.Digest, AuthDigest(secret, server, client))

	seed := mac(keyHash[:], server[:], client[:], sessionKeySeed[:])
	var sessionKey [SessionKeySize]byte
	NewSessionKeyGenerator(seed).Read(sessionKey[:])
	assert.Equal(t, sessionKey, keys.SessionKey)

	encrypt := mac(sessionKey[:], client[:], server[:], encryptionKeySeed[:])
	assert.Equal(t, encrypt[:KeySize], keys.EncryptKey[:])

	// Swapping challenges changes everything.
	swapped := DeriveKeys(secret, client, server)
	assert.NotEqual(t, keys.Digest, swapped.Digest)
	assert.NotEqual(t, keys.SessionKey, swapped.SessionKey)
}

func TestKeyDerivationFixtures(t *testing.T) {
	secret := []byte("account shared secret")
	var server, client [ChallengeSize]byte
	for i := range server {
		server[i] = byte(i)
		client[i] = byte(0xF0 - i)
	}

	keys := DeriveKeys(secret, server, client)
	assert.Equal(t, "58a6fd4ea795c2f73fa87cf3887445e8b2f9259e474de08e25112cfbc350173b",
		hex.EncodeToString(keys.Digest[:]))
	assert.Equal(t, "014f1683b994880e11bd19e32d8b21b8938564d13d942cc1"+
		"aea996feeeb25d38ce54041ad32b4b38",
		hex.EncodeToString(keys.SessionKey[:]))
	assert.Equal(t, "31af9cd8933cfcf280a4b730bf92ebe2", hex.EncodeToString(keys.EncryptKey[:]))

	var resumeServer, resumeClient [ChallengeSize]byte
	resumeServer[0], resumeClient[0] = 1, 2
	resume := ContinuedSessionDigest(bytes.Repeat([]byte{0x5A}, SessionKeySize), 0x0123456789, resumeServer, resumeClient)
	assert.Equal(t, "84773bd35a74b8b95bfac75426702ee0fc7bd31487a34f9121e3e75d6c05b6e4",
		hex.EncodeToString(resume[:]))

	on := EnableEncryptionSignature(testKey(), true)
	off := EnableEncryptionSignature(testKey(), false)
	assert.Equal(t, "3981fb579c12a3701916bf9e9704a8d07d9dc3a570d5430e9abb077e8d6d8d86",
		hex.EncodeToString(on[:]))
	assert.Equal(t, "d61e7abefd1f9991d3d139e8c57ad992faa4c9fb8811570fd8eea259d50c2210",
		hex.EncodeToString(off[:]))
}

func TestContinuedSessionDigest(t *testing.T) {
	sessionKey := bytes.Repeat([]byte{0x5A}, SessionKeySize)
	var server, client [ChallengeSize]byte
	server[0], client[0] = 1, 2

	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], 0x0123456789)
	want := mac(sessionKey, raw[:], client[:], server[:], continuedSessionSeed[:])

	got := ContinuedSessionDigest(sessionKey, 0x0123456789, server, client)
	assert.Equal(t, want, got[:])
	assert.True(t, VerifyDigest(got, want))
	assert.False(t, VerifyDigest(got, want[:31]))
}

func TestEnableEncryptionSignature(t *testing.T) {
	key := testKey()
	on := EnableEncryptionSignature(key, true)
	off := EnableEncryptionSignature(key, false)
	assert.NotEqual(t, on, off)
	assert.Equal(t, mac(key[:], []byte{1}, enableEncryptionSeed[:]), on[:])
}

func mac(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestDosResponse(t *testing.T) {
	challenge := make([]byte, 32)
	for i := range challenge {
		challenge[i] = byte(i)
	}

	assert.True(t, VerifyDosResponse(challenge, 0, 0))
	assert.False(t, VerifyDosResponse(challenge, 0, 1))

	assert.Equal(t, uint64(67), SolveDosChallenge(challenge, 8))
	assert.True(t, VerifyDosResponse(challenge, 67, 9))
	assert.False(t, VerifyDosResponse(challenge, 67, 10))

	assert.Equal(t, uint64(1048), SolveDosChallenge(challenge, 12))
	assert.False(t, VerifyDosResponse(challenge, 1048, 13))

	assert.Equal(t, 0, leadingZeroBits([]byte{0x80}))
	assert.Equal(t, 11, leadingZeroBits([]byte{0x00, 0x10, 0xFF}))
	assert.Equal(t, 16, leadingZeroBits([]byte{0x00, 0x00}))
}

// Package crypt holds the per-connection packet cipher and the key
// derivation chain of the world handshake.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 16
	TagSize   = 16
	nonceSize = 12

	// Direction magics written into the last four nonce bytes.
	clientMagic uint32 = 0x544E4C43 // "CLNT"
	serverMagic uint32 = 0x52565253 // "SRVR"

	chachaKeyInfo = "worldgate packet crypt"
)

var (
	ErrAlreadyInitialized = errors.New("packet crypt already initialized")
	ErrNonceExhausted     = errors.New("packet crypt nonce counter exhausted")
	ErrUnknownSuite       = errors.New("unknown cipher suite")
)

// Suite names the AEAD used once encryption is enabled.
type Suite string

const (
	SuiteAES128GCM        Suite = "aes-128-gcm"
	SuiteChaCha20Poly1305 Suite = "chacha20-poly1305"
)

// ParseSuite validates a configured suite name. Empty selects AES-128-GCM.
func ParseSuite(name string) (Suite, error) {
	switch Suite(name) {
	case "", SuiteAES128GCM:
		return SuiteAES128GCM, nil
	case SuiteChaCha20Poly1305:
		return SuiteChaCha20Poly1305, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSuite, name)
}

// PacketCrypt encrypts outbound and verifies inbound packet bodies.
// Each direction keeps its own counter, so the keystream position advances
// once per packet. Until Initialize is called every operation is a no-op.
//
// Encrypt and Decrypt may run concurrently with each other; Initialize must
// be serialized with both by the caller.
type PacketCrypt struct {
	suite     Suite
	sendMagic uint32
	recvMagic uint32

	aead        cipher.AEAD
	sendCounter uint64
	recvCounter uint64

	sendScratch []byte
	recvScratch []byte
}

// NewServerCrypt returns the server side of a connection cipher.
func NewServerCrypt(suite Suite) *PacketCrypt {
	return &PacketCrypt{suite: suite, sendMagic: serverMagic, recvMagic: clientMagic}
}

// NewClientCrypt returns the client side, used by tests and tooling.
func NewClientCrypt(suite Suite) *PacketCrypt {
	return &PacketCrypt{suite: suite, sendMagic: clientMagic, recvMagic: serverMagic}
}

// Initialize keys the cipher. It may be called only once.
func (c *PacketCrypt) Initialize(key [KeySize]byte) error {
	if c.aead != nil {
		return ErrAlreadyInitialized
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch c.suite {
	case "", SuiteAES128GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key[:])
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case SuiteChaCha20Poly1305:
		wide := make([]byte, chacha20poly1305.KeySize)
		if _, err = io.ReadFull(hkdf.New(sha256.New, key[:], nil, []byte(chachaKeyInfo)), wide); err == nil {
			aead, err = chacha20poly1305.New(wide)
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownSuite, c.suite)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize packet crypt: %w", err)
	}

	c.aead = aead
	return nil
}

// IsInitialized reports whether Initialize succeeded.
func (c *PacketCrypt) IsInitialized() bool {
	return c.aead != nil
}

// Suite returns the configured AEAD suite.
func (c *PacketCrypt) Suite() Suite {
	return c.suite
}

// Encrypt seals data in place and returns its tag. Before initialization
// data is left untouched and the zero tag is returned.
func (c *PacketCrypt) Encrypt(data []byte) ([TagSize]byte, error) {
	var tag [TagSize]byte
	if c.aead == nil {
		return tag, nil
	}
	if c.sendCounter == math.MaxUint64 {
		return tag, ErrNonceExhausted
	}

	nonce := makeNonce(c.sendCounter, c.sendMagic)
	c.sendScratch = c.aead.Seal(c.sendScratch[:0], nonce[:], data, nil)
	copy(data, c.sendScratch[:len(data)])
	copy(tag[:], c.sendScratch[len(data):])
	c.sendCounter++
	return tag, nil
}

// Decrypt verifies tag for the current inbound position and decrypts data in
// place. On failure data and the counter are left unchanged.
func (c *PacketCrypt) Decrypt(data []byte, tag [TagSize]byte) bool {
	if c.aead == nil {
		return true
	}
	if c.recvCounter == math.MaxUint64 {
		return false
	}

	c.recvScratch = append(c.recvScratch[:0], data...)
	c.recvScratch = append(c.recvScratch, tag[:]...)

	nonce := makeNonce(c.recvCounter, c.recvMagic)
	plain, err := c.aead.Open(c.recvScratch[:0], nonce[:], c.recvScratch, nil)
	if err != nil {
		return false
	}
	copy(data, plain)
	c.recvCounter++
	return true
}

// Release drops the key schedule and scratch buffers.
func (c *PacketCrypt) Release() {
	c.aead = nil
	c.sendScratch = nil
	c.recvScratch = nil
}

func makeNonce(counter uint64, magic uint32) [nonceSize]byte {
	var n [nonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], counter)
	binary.LittleEndian.PutUint32(n[8:], magic)
	return n
}

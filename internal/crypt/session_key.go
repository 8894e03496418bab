package crypt

import "crypto/sha256"

// SessionKeyGenerator stretches a seed into an arbitrary-length key stream.
// The seed is split in half and each half hashed; every block of output is
// SHA256(h1 || previous block || h2).
type SessionKeyGenerator struct {
	o0    [sha256.Size]byte
	o1    [sha256.Size]byte
	o2    [sha256.Size]byte
	taken int
}

// NewSessionKeyGenerator seeds a generator.
func NewSessionKeyGenerator(seed []byte) *SessionKeyGenerator {
	half := len(seed) / 2
	g := &SessionKeyGenerator{
		o1: sha256.Sum256(seed[:half]),
		o2: sha256.Sum256(seed[half:]),
	}
	g.fill()
	return g
}

func (g *SessionKeyGenerator) fill() {
	h := sha256.New()
	h.Write(g.o1[:])
	h.Write(g.o0[:])
	h.Write(g.o2[:])
	copy(g.o0[:], h.Sum(nil))
	g.taken = 0
}

// Read fills p with the next len(p) bytes of the stream. It never fails.
func (g *SessionKeyGenerator) Read(p []byte) (int, error) {
	for i := range p {
		if g.taken == len(g.o0) {
			g.fill()
		}
		p[i] = g.o0[g.taken]
		g.taken++
	}
	return len(p), nil
}

// Package rng provides the process-wide random source used by the
// polymorphic engine and the obfuscating emitter.
//
// Exactly one secret, one stub, and one set of mutations are drawn per
// engine run, and the draw order is part of the build's behavior (see
// cipher.RandomSecret8 and internal/poly's Engine): secret.iv, secret.key, then K per instruction in emission
// order, then per-mutation operand choices and per-nop coin flips. The
// singleton itself does not enforce that order — callers do, by calling
// it in the right sequence — but it does guarantee that every draw comes
// from a single, lazily-seeded stream so two builds never collide.
package rng

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	mathrand "math/rand"
	"sync"
)

// Source is the process-wide entropy source. It is not safe for
// concurrent use; concurrent callers must serialize externally, exactly
// like the engine it feeds (see internal/poly, which runs single
// threaded end to end).
type Source struct {
	r *mathrand.Rand
}

var (
	once     sync.Once
	instance *Source
)

// Default returns the lazily-constructed, OS-entropy-seeded singleton.
func Default() *Source {
	once.Do(func() {
		instance = &Source{r: mathrand.New(mathrand.NewSource(seed()))}
	})
	return instance
}

// seed pulls 8 bytes from the OS entropy device. If that read fails it
// tries once more through rand.Int on the same reader, and if that also
// fails it returns a fixed constant, since a build must still succeed
// even when true entropy is briefly unavailable.
func seed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err == nil {
		return int64(binary.LittleEndian.Uint64(buf[:]))
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err == nil {
		return n.Int64()
	}
	return 0x5eed // deterministic last resort; never hit on a normal host
}

// Bytes fills b with random bytes.
func (s *Source) Bytes(b []byte) {
	s.r.Read(b)
}

// Intn returns a random int in [0, n).
func (s *Source) Intn(n int) int {
	return s.r.Intn(n)
}

// Byte returns a random byte in [0, 255].
func (s *Source) Byte() byte {
	return byte(s.r.Intn(256))
}

// Bool reports true with probability num/den (e.g. Bool(1, 10) is a
// 1-in-10 coin flip, used by the NopPass insertion rate).
func (s *Source) Bool(num, den int) bool {
	return s.r.Intn(den) < num
}

// NewSeeded returns an independent, deterministically-seeded source for
// reproducible-build testing. It never touches the process-wide
// singleton, so tests using it can run in parallel with code that uses
// Default.
func NewSeeded(seed int64) *Source {
	return &Source{r: mathrand.New(mathrand.NewSource(seed))}
}

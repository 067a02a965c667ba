package cipher

import "github.com/xyproto/veil/internal/rng"

// Secret holds the IV and key for one build. N is fixed at build time to
// the host word size (4 or 8 bytes per spec.md §3's EncryptionSecret<N>);
// Go has no clean way to thread an integer as a type parameter across a
// non-generic cipher.Mode interface, so N is the runtime length of IV
// (see N) rather than a generic parameter (see DESIGN.md's Open Question
// resolution for this package).
type Secret struct {
	IV  []byte
	Key []byte
}

// NewSecret4 builds a 4-byte (32-bit host) secret.
func NewSecret4(iv, key [4]byte) Secret {
	return Secret{IV: iv[:], Key: key[:]}
}

// NewSecret8 builds an 8-byte (64-bit host) secret.
func NewSecret8(iv, key [8]byte) Secret {
	return Secret{IV: iv[:], Key: key[:]}
}

// N reports the secret's block size.
func (s Secret) N() int { return len(s.IV) }

// RandomSecret8 draws a fresh 8-byte (64-bit host) secret from src: IV
// first, then key, matching the draw order internal/rng's own package
// doc comment fixes for one engine run. Used once per infection by
// internal/virus to give every generation of a propagating binary its
// own secret, exactly as spec.md's "randomly chosen secret" requires.
func RandomSecret8(src *rng.Source) Secret {
	var iv, key [8]byte
	src.Bytes(iv[:])
	src.Bytes(key[:])
	return NewSecret8(iv, key)
}

// RandomSecret4 is RandomSecret8's 32-bit host counterpart.
func RandomSecret4(src *rng.Source) Secret {
	var iv, key [4]byte
	src.Bytes(iv[:])
	src.Bytes(key[:])
	return NewSecret4(iv, key)
}

// RandomSecret draws a fresh secret of the requested block size (4 or
// 8 bytes), falling back to the 64-bit host size for anything else.
// The dispatch internal/virus uses so its VEIL_BLOCK_SIZE knob can pick
// either host word size without internal/virus reaching into this
// package's two block-size-specific constructors directly.
func RandomSecret(src *rng.Source, n int) Secret {
	if n == 4 {
		return RandomSecret4(src)
	}
	return RandomSecret8(src)
}

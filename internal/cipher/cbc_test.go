package cipher

import (
	"bytes"
	"testing"
)

func testSecret() Secret {
	return NewSecret8(
		[8]byte{0xef, 0xcd, 0xab, 0x89, 0x67, 0x45, 0x23, 0x01}, // 0x0123456789abcdef LE
		[8]byte{0x10, 0x32, 0x54, 0x76, 0x98, 0xba, 0xdc, 0xfe}, // 0xfedcba9876543210 LE
	)
}

// Cipher round-trip: decrypt(encrypt(b)) == b, for an aligned buffer.
func TestCBCXORRoundTrip(t *testing.T) {
	secret := testSecret()
	cbc := CBC{Block: XOR{N: 8}}

	src := bytes.Repeat([]byte{0xAA, 0x55, 0x11, 0x22, 0x33, 0x44, 0x01, 0xFE}, 512) // 4096 bytes
	enc := make([]byte, len(src))
	if err := cbc.Encrypt(secret, src, enc); err != ErrNone {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Equal(enc, src) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec := make([]byte, len(enc))
	if err := cbc.Decrypt(secret, enc, dec); err != ErrNone {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, src) {
		t.Fatal("round-trip mismatch")
	}
}

// Cipher prefix: for a buffer whose length isn't a multiple of N, the
// aligned prefix round-trips and the trailing bytes are passed through
// verbatim by both calls, each of which reports ErrNotAligned.
func TestCBCXORPrefixTail(t *testing.T) {
	secret := testSecret()
	cbc := CBC{Block: XOR{N: 8}}

	src := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 10) // 40 bytes (5 whole blocks), cut to 35: 4 blocks plus a 3-byte tail
	src = src[:35]
	tail := append([]byte(nil), src[32:]...)

	enc := make([]byte, len(src))
	if err := cbc.Encrypt(secret, src, enc); err != ErrNotAligned {
		t.Fatalf("encrypt: got %v want ErrNotAligned", err)
	}
	if !bytes.Equal(enc[32:], tail) {
		t.Fatal("tail not passed through verbatim by encrypt")
	}

	dec := make([]byte, len(enc))
	if err := cbc.Decrypt(secret, enc, dec); err != ErrNotAligned {
		t.Fatalf("decrypt: got %v want ErrNotAligned", err)
	}
	if !bytes.Equal(dec, src) {
		t.Fatal("prefix+tail round-trip mismatch")
	}
}

func TestIdentityBlockIsNoOp(t *testing.T) {
	id := Identity{N: 8}
	block := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	key := []byte{9, 9, 9, 9, 9, 9, 9, 9}
	if got := id.Encrypt(key, block); !bytes.Equal(got, block) {
		t.Fatalf("identity encrypt mutated block: %v", got)
	}
	if got := id.Decrypt(key, block); !bytes.Equal(got, block) {
		t.Fatalf("identity decrypt mutated block: %v", got)
	}
}

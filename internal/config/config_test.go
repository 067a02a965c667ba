package config

import (
	"testing"

	"github.com/xyproto/veil/internal/asm"
	"github.com/xyproto/veil/internal/obfuscate"
	"github.com/xyproto/veil/internal/poly"
	"github.com/xyproto/veil/internal/virus"
)

func TestNormalizeBlockSize(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{4, 4},
		{8, 8},
		{0, 8},
		{16, 8},
		{-4, 8},
	}
	for _, c := range cases {
		if got := normalizeBlockSize(c.in); got != c.want {
			t.Errorf("normalizeBlockSize(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestClampMutationMax(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{-1, 0},
		{0, 0},
		{255, 255},
		{256, 255},
		{4096, 255},
	}
	for _, c := range cases {
		if got := clampMutationMax(c.in); got != c.want {
			t.Errorf("clampMutationMax(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestApplyWiresPackageFlags(t *testing.T) {
	c := Config{Verbose: true, BlockSize: 4, MutationMax: 10, OptTimeout: 0}
	c.Apply()

	if !asm.VerboseMode {
		t.Fatal("Apply did not set asm.VerboseMode")
	}
	if !poly.VerboseMode {
		t.Fatal("Apply did not set poly.VerboseMode")
	}
	if !virus.VerboseMode {
		t.Fatal("Apply did not set virus.VerboseMode")
	}
	if virus.BlockSize != 4 {
		t.Fatalf("virus.BlockSize = %d, want 4", virus.BlockSize)
	}
	if obfuscate.MutationCap != 11 {
		t.Fatalf("obfuscate.MutationCap = %d, want 11", obfuscate.MutationCap)
	}

	// Restore defaults so this test doesn't leak state into any other
	// package's test run sharing the same process.
	Config{Verbose: false, BlockSize: 8, MutationMax: 255, OptTimeout: defaultOptTimeout}.Apply()
}

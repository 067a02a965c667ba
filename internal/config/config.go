// Package config reads the VEIL_* environment knobs that give this
// library's embedding host program the same tuning surface the
// teacher's own CLI exposes as flags. Grounded on
// github.com/xyproto/env/v2, declared in this module's go.mod from the
// start but left unwired until this package gave it something concrete
// to read.
package config

import (
	"time"

	env "github.com/xyproto/env/v2"

	"github.com/xyproto/veil/internal/asm"
	"github.com/xyproto/veil/internal/obfuscate"
	"github.com/xyproto/veil/internal/poly"
	"github.com/xyproto/veil/internal/virus"
)

const (
	defaultBlockSize   = 8
	defaultMutationMax = 255
	defaultOptTimeout  = 30 * time.Second
)

// Config is every VEIL_* knob this library reads, with defaults filled
// in for anything unset or unparsable.
type Config struct {
	// Verbose gates the trace output every subsystem's VerboseMode flag
	// controls. From VEIL_VERBOSE.
	Verbose bool

	// BlockSize is the host word size (4 or 8 bytes) a fresh infection's
	// cipher.Secret is drawn at. From VEIL_BLOCK_SIZE; anything other
	// than 4 falls back to 8.
	BlockSize int

	// MutationMax caps FuncObfPass's per-instruction mutation count K,
	// spec.md's K ∈ [0,255]. From VEIL_MUTATION_MAX, clamped to [0,255].
	MutationMax int

	// OptTimeout is a time budget for one build. Not read by any
	// internal package directly — cmd/veil-build compares the elapsed
	// time against it once the build has finished and only prints a
	// note to stderr when it was exceeded; nothing is cancelled. From
	// VEIL_OPT_TIMEOUT.
	OptTimeout time.Duration
}

// FromEnv reads VEIL_VERBOSE, VEIL_BLOCK_SIZE, VEIL_MUTATION_MAX and
// VEIL_OPT_TIMEOUT from the process environment.
func FromEnv() Config {
	return Config{
		Verbose:     env.Bool("VEIL_VERBOSE"),
		BlockSize:   normalizeBlockSize(env.IntOr("VEIL_BLOCK_SIZE", defaultBlockSize)),
		MutationMax: clampMutationMax(env.IntOr("VEIL_MUTATION_MAX", defaultMutationMax)),
		OptTimeout:  env.DurationOr("VEIL_OPT_TIMEOUT", defaultOptTimeout),
	}
}

func normalizeBlockSize(n int) int {
	if n == 4 {
		return 4
	}
	return defaultBlockSize
}

func clampMutationMax(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 255:
		return 255
	default:
		return n
	}
}

// Apply wires c into every package-level knob this module's subsystems
// check directly, the same package-level-flag idiom VerboseMode already
// uses on its own in asm, poly and virus. Call once, early, before any
// build/infection work starts.
func (c Config) Apply() {
	asm.VerboseMode = c.Verbose
	poly.VerboseMode = c.Verbose
	virus.VerboseMode = c.Verbose

	virus.BlockSize = c.BlockSize
	obfuscate.MutationCap = c.MutationMax + 1
}

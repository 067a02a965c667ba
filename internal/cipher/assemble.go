package cipher

import (
	"encoding/binary"

	"github.com/xyproto/veil/internal/asm"
	"github.com/xyproto/veil/internal/obfuscate"
	"github.com/xyproto/veil/internal/rng"
)

// AssembleDecryption emits the runtime mirror of CBC.Decrypt into e,
// per spec.md §4.2's emitted-decryption contract: the generated code
// decrypts dataLen bytes starting at *dataPtrReg in place, leaving
// dataPtrReg one past the last processed block, then jumps to
// exitLabel, which this function binds right after the loop. dataLen
// must be a multiple of the block size; if it isn't, the aligned prefix
// is still emitted (matching the verbatim tail the host-side Encrypt
// left behind), exitLabel is bound the same way, and ErrNotAligned is
// returned. A secret whose block size isn't 8 gets ErrNotAligned with
// nothing emitted.
//
// The asm package's instruction encoders always operate on full 64-bit
// registers (see asm.Emitter's forced REX.W), so this only supports an
// 8-byte block secret — the 64-bit-host word size spec.md names as one
// of the two legal values of N. A 4-byte secret is a host-only
// construction (CBC.Encrypt/Decrypt handle it generically over byte
// slices); assembling a 32-bit-word decryption stub would need a
// second, width-aware instruction encoder this engine doesn't build.
func AssembleDecryption(secret Secret, e *asm.Emitter, dataPtrReg asm.Operand, dataLen int, exitLabel string) Error {
	const n = 8
	if secret.N() != n {
		return ErrNotAligned
	}
	aligned := dataLen - dataLen%n
	blocks := aligned / n

	// Fixed scratch physical registers, not the virtual-register
	// allocator: the allocator exists to bind virtual registers
	// introduced by internal/obfuscate's expanded expression trees,
	// where each virtual register shares an instruction with a concrete
	// physical operand it can fall back to. This loop's registers never
	// appear alongside such a fallback, so they're named directly, the
	// same way the engine's own hand-written stub prologues use fixed
	// registers rather than going through allocation.
	state := asm.Reg("r8")
	key := asm.Reg("r9")
	saved := asm.Reg("r10")
	b := asm.Reg("rax")
	counter := asm.Reg("rcx")

	// The per-block xor carries the secret-dependent computation, so
	// it's the data-path instruction FuncObfPass/NopPass expand, through
	// an obfuscate.Emitter sharing e's CodeHolder. Everything else in
	// this loop is bookkeeping (pointer/counter arithmetic, moves, the
	// branch) outside FuncObfPass's register-to-register op set and
	// stays on e directly.
	obf := obfuscate.New(e, rng.Default())

	e.MovImmToReg(state, int64(binary.LittleEndian.Uint64(secret.IV)))
	e.MovImmToReg(key, int64(binary.LittleEndian.Uint64(secret.Key)))
	e.MovImmToReg(counter, int64(blocks))

	// Test-before-loop: a zero block count skips the body entirely
	// instead of decrementing the counter past zero.
	e.CmpRegImm(counter, 0)
	e.JmpIfLabel(asm.JumpEqual, exitLabel)

	loop := "cbc_decrypt_loop"
	e.Code.Label(loop)
	e.MovMemToReg(b, asm.Mem(dataPtrReg.RegName(), 0)) // b = *ptr
	e.MovRegToReg(saved, b)                            // saved = b
	obf.XorRegToReg(b, key)                            // b = D(secret, b); D == E for XOR
	obf.XorRegToReg(b, state)                          // b ^= state
	e.MovRegToReg(state, saved)                         // state = saved
	e.MovRegToMem(asm.Mem(dataPtrReg.RegName(), 0), b)  // store b back
	e.AddRegImm(dataPtrReg, n)                          // ptr += N
	e.SubRegImm(counter, 1)
	e.JmpIfLabel(asm.JumpNotEqual, loop)

	e.Code.Label(exitLabel)

	if dataLen%n != 0 {
		return ErrNotAligned
	}
	return ErrNone
}

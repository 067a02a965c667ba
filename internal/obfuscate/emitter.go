package obfuscate

import (
	"github.com/xyproto/veil/internal/asm"
	"github.com/xyproto/veil/internal/exprtree"
	"github.com/xyproto/veil/internal/rng"
)

// MutationCap bounds FuncObfPass's per-instruction mutation count K to
// [0, MutationCap): spec.md names K ∈ [0,255], the default. Overridden
// process-wide by internal/config from VEIL_MUTATION_MAX, the same
// package-level knob idiom VerboseMode uses elsewhere in this module.
var MutationCap = 256

// Emitter wraps a plain asm.Emitter with the two finalize-time passes
// spec.md §4.4 names. FuncObfPass and NopPass are applied per
// instruction at emission time rather than as a second pass over
// already-emitted bytes — internal/asm's CodeHolder is append-only, so
// "run FuncObfPass, then NopPass, over the finished stream" and "expand
// then maybe-nop each instruction as it's emitted" produce the same
// final byte stream, and the latter needs no retroactive rewriting of
// already-resolved jump offsets.
type Emitter struct {
	Code *asm.CodeHolder
	plain *asm.Emitter
	rng   *rng.Source
}

// New creates an obfuscating emitter sharing code's accumulator — call
// sites that need both obfuscated and plain instructions in the same
// stub (e.g. the make-writable syscall prologue, emitted plain) share
// one Emitter/CodeHolder pair by constructing both from the same
// *asm.Emitter.
func New(plain *asm.Emitter, src *rng.Source) *Emitter {
	return &Emitter{Code: plain.Code, plain: plain, rng: src}
}

// nopPass implements spec.md's NopPass: with probability 1/10, insert a
// single nop after the instruction just emitted.
func (o *Emitter) nopPass() {
	if o.rng.Bool(1, 10) {
		o.plain.Nop()
	}
}

// expandBinary runs FuncObfPass for a binary op: build the one-node
// tree, mutate it K ∈ [0,255] times, linearize into dst, then NopPass.
func (o *Emitter) expandBinary(op exprtree.Op, dst, a, b asm.Operand) asm.Error {
	t := NewBinary(op, a, b)
	k := o.rng.Intn(MutationCap)
	Mutate(t, o.rng, k)
	err := Linearize(t, o.plain, dst)
	o.nopPass()
	return err
}

func (o *Emitter) expandUnary(op exprtree.Op, dst, a asm.Operand) asm.Error {
	t := NewUnary(op, a)
	k := o.rng.Intn(MutationCap)
	Mutate(t, o.rng, k)
	err := Linearize(t, o.plain, dst)
	o.nopPass()
	return err
}

// AndRegToReg emits dst = dst & src through an obfuscated expansion.
func (o *Emitter) AndRegToReg(dst, src asm.Operand) asm.Error {
	return o.expandBinary(exprtree.OpAnd, dst, dst, src)
}

// OrRegToReg emits dst = dst | src through an obfuscated expansion.
func (o *Emitter) OrRegToReg(dst, src asm.Operand) asm.Error {
	return o.expandBinary(exprtree.OpOr, dst, dst, src)
}

// XorRegToReg emits dst = dst ^ src through an obfuscated expansion.
func (o *Emitter) XorRegToReg(dst, src asm.Operand) asm.Error {
	return o.expandBinary(exprtree.OpXor, dst, dst, src)
}

// AddRegToReg emits dst = dst + src through an obfuscated expansion.
func (o *Emitter) AddRegToReg(dst, src asm.Operand) asm.Error {
	return o.expandBinary(exprtree.OpSum, dst, dst, src)
}

// SubRegToReg emits dst = dst - src through an obfuscated expansion.
func (o *Emitter) SubRegToReg(dst, src asm.Operand) asm.Error {
	return o.expandBinary(exprtree.OpSub, dst, dst, src)
}

// NotReg emits dst = ^dst through an obfuscated expansion.
func (o *Emitter) NotReg(dst asm.Operand) asm.Error {
	return o.expandUnary(exprtree.OpNot, dst, dst)
}

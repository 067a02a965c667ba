package asm

import "fmt"

// FinalizeVariant selects how ProduceRaw turns a stub's trailing
// instruction into the tailcall spec.md names: either converting an
// existing `ret` into a `jmp` (RetToJmp, "found in some repo
// revisions") or emitting the `jmp` and dropping the trailing `ret`
// outright (DeleteRet). Both end in the same bytes; DeleteRet is the
// more defensive of the two since it never has to assume the code
// stream actually ends in a single-byte `ret` opcode.
type FinalizeVariant int

const (
	RetToJmp FinalizeVariant = iota
	DeleteRet
)

func (v FinalizeVariant) String() string {
	switch v {
	case RetToJmp:
		return "ret-to-jmp"
	case DeleteRet:
		return "delete-ret"
	default:
		return "unknown-finalize-variant"
	}
}

const retOpcode = 0xC3

// RawCode is the flat, finalized machine-code byte stream a stub
// produces once its last instruction has been replaced by a tailcall.
// Immutable by construction: the only way to obtain one is ProduceRaw,
// and Bytes returns a defensive copy.
type RawCode struct {
	bytes []byte
}

// Bytes returns a copy of the assembled instruction stream.
func (r RawCode) Bytes() []byte {
	out := make([]byte, len(r.bytes))
	copy(out, r.bytes)
	return out
}

// Len reports the byte length of the assembled stream.
func (r RawCode) Len() int { return len(r.bytes) }

// ProduceRaw finalizes e's CodeHolder, applies variant's ret/jmp
// transform, and appends an absolute tailcall to jumpVA. baseVA names
// the address the returned bytes will be installed at; it is not
// needed to resolve anything here since every address this emitter
// computes is already either RIP-relative (LeaRIPLabel) or a bare
// 64-bit immediate (MovImmToReg/JmpAbs) — both forms are
// position-independent with respect to where the final bytes land, so
// "relocate to base_va" has no work left to do by the time ProduceRaw
// runs. It is threaded through anyway to match the stub-finalization
// contract spec.md names and so a future caller that needs it (e.g. to
// size-check the stub against its destination section) has it at hand.
func (e *Emitter) ProduceRaw(baseVA, jumpVA uint64, variant FinalizeVariant) (RawCode, error) {
	_ = baseVA
	if err := e.Code.Finalize(); err != nil {
		return RawCode{}, err
	}
	buf := e.Code.Bytes()

	switch variant {
	case RetToJmp:
		if len(buf) == 0 || buf[len(buf)-1] != retOpcode {
			return RawCode{}, fmt.Errorf("asm: RetToJmp requires a trailing ret, found none")
		}
		buf = buf[:len(buf)-1]
	case DeleteRet:
		if len(buf) > 0 && buf[len(buf)-1] == retOpcode {
			buf = buf[:len(buf)-1]
		}
	default:
		return RawCode{}, fmt.Errorf("asm: unknown finalize variant %d", variant)
	}

	tail := NewEmitter()
	if err := tail.JmpAbs(jumpVA); err != ErrNone {
		return RawCode{}, err
	}
	if err := tail.Code.Finalize(); err != nil {
		return RawCode{}, err
	}
	buf = append(buf, tail.Code.Bytes()...)

	return RawCode{bytes: buf}, nil
}

// EmitQuad binds label at the current offset and writes v as 8
// little-endian bytes — an inline data literal a preceding LeaRIPLabel
// can compute the address of and a Mov*Mem instruction can then
// dereference, the RIP-relative way of loading a 64-bit constant spec.md
// names for the stub's text-VA load (step 3 of generate_code).
func (e *Emitter) EmitQuad(label string, v uint64) {
	e.Code.Label(label)
	e.Code.write(byte(v), byte(v>>8), byte(v>>16), byte(v>>24), byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
}

// Package asm is a just-in-time x86-64 assembler wrapper: a small,
// dependency-free instruction emitter plus a virtual-register allocator,
// used both directly (plain emission) and through internal/obfuscate
// (expanded into randomized equivalent expression trees).
//
// The opcode encoders here (REX prefix construction, ModR/M, SIB,
// displacement sizing) follow the same bit-twiddling this project's
// compiler backend uses for its own x86-64 instruction selection, pared
// down to the handful of instructions a decryption stub and its
// obfuscated expansion ever need: mov, lea, xor, and, or, not, add, sub,
// cmp, jmp/jcc, call, push, ret, nop, syscall.
package asm

import "fmt"

// OperandKind enumerates the operand shapes the emitter accepts.
type OperandKind int

const (
	KindImmediate OperandKind = iota
	KindPhysicalRegister
	KindVirtualRegister
	KindStackSlot
	KindMemory
)

func (k OperandKind) String() string {
	switch k {
	case KindImmediate:
		return "immediate"
	case KindPhysicalRegister:
		return "physical-register"
	case KindVirtualRegister:
		return "virtual-register"
	case KindStackSlot:
		return "stack-slot"
	case KindMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// Operand is an opaque value the emitter consumes: an immediate, a
// physical register, a virtual register (resolved by RegisterAllocator
// before emission), a stack slot, or a memory reference.
//
// An operand marked Untouchable (via RegisterAllocator.MarkUntouchable)
// never appears again as the result of GetVirtualRegister; an operand
// marked free (via MarkFree) may be reused by a later allocation.
type Operand struct {
	kind OperandKind

	imm int64 // KindImmediate

	reg string // KindPhysicalRegister: concrete x86-64 register name
	vid uint32 // KindVirtualRegister: allocator-assigned id

	base   string // KindMemory / KindStackSlot: base register ("rbp" for stack slots)
	offset int32  // KindMemory / KindStackSlot: displacement
}

// Kind reports the operand's shape.
func (o Operand) Kind() OperandKind { return o.kind }

// Imm constructs an immediate operand.
func Imm(v int64) Operand { return Operand{kind: KindImmediate, imm: v} }

// ImmValue returns the immediate value; only meaningful when Kind() == KindImmediate.
func (o Operand) ImmValue() int64 { return o.imm }

// Reg constructs a physical-register operand (e.g. "rax", "r11").
func Reg(name string) Operand { return Operand{kind: KindPhysicalRegister, reg: name} }

// RegName returns the physical register name; only meaningful when
// Kind() == KindPhysicalRegister.
func (o Operand) RegName() string { return o.reg }

// Mem constructs a memory operand [base+offset].
func Mem(base string, offset int32) Operand {
	return Operand{kind: KindMemory, base: base, offset: offset}
}

// StackSlot constructs a stack-relative operand [rbp+offset].
func StackSlot(offset int32) Operand {
	return Operand{kind: KindStackSlot, base: "rbp", offset: offset}
}

// MemBase, MemOffset return the base register and displacement of a
// memory or stack-slot operand.
func (o Operand) MemBase() string  { return o.base }
func (o Operand) MemOffset() int32 { return o.offset }

// virtualRegister constructs a virtual-register operand with allocator id id.
func virtualRegister(id uint32) Operand {
	return Operand{kind: KindVirtualRegister, vid: id}
}

// VirtualID returns the allocator id of a virtual-register operand.
func (o Operand) VirtualID() uint32 { return o.vid }

func (o Operand) String() string {
	switch o.kind {
	case KindImmediate:
		return fmt.Sprintf("imm(%d)", o.imm)
	case KindPhysicalRegister:
		return o.reg
	case KindVirtualRegister:
		return fmt.Sprintf("v%d", o.vid)
	case KindStackSlot:
		return fmt.Sprintf("[rbp%+d]", o.offset)
	case KindMemory:
		return fmt.Sprintf("[%s%+d]", o.base, o.offset)
	default:
		return "?"
	}
}

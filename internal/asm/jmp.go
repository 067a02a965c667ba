package asm

// JumpCondition enumerates the condition codes the engine actually needs
// to branch on after a syscall/VirtualProtect result: zero/non-zero
// (Linux, Windows) and carry (macOS BSD syscall convention).
type JumpCondition int

const (
	JumpEqual JumpCondition = iota
	JumpNotEqual
	JumpCarry
	JumpNotCarry
)

func (jc JumpCondition) opcode() byte {
	switch jc {
	case JumpEqual:
		return 0x84 // JE/JZ
	case JumpNotEqual:
		return 0x85 // JNE/JNZ
	case JumpCarry:
		return 0x82 // JB/JC
	case JumpNotCarry:
		return 0x83 // JAE/JNC
	default:
		return 0x84
	}
}

// JmpIfLabel emits a near (rel32) conditional jump to label, resolved at
// Finalize. Used to branch to exit_label when the make-writable syscall
// fails.
func (e *Emitter) JmpIfLabel(cond JumpCondition, label string) {
	e.trace("jcc(%d) %s\n", cond, label)
	e.Code.write(0x0F, cond.opcode())
	e.Code.reserveJump(label, 4)
}

// JmpLabel emits an unconditional near (rel32) jump to label.
func (e *Emitter) JmpLabel(label string) {
	e.trace("jmp %s\n", label)
	e.Code.write(0xE9)
	e.Code.reserveJump(label, 4)
}

// JmpAbs emits an unconditional jump to a fixed absolute virtual address,
// via `movabs r11, va; jmp r11` since x86-64 has no direct 64-bit
// immediate jump. Used to tailcall the original entry point from the end
// of the stub (Emitter.ProduceRaw's RetToJmp/DeleteRet finalization,
// wrapped by poly.Engine.ProduceRaw).
func (e *Emitter) JmpAbs(va uint64) Error {
	scratch := Reg("r11")
	if err := e.MovImmToReg(scratch, int64(va)); err != ErrNone {
		return err
	}
	e.trace("jmp %s\n", scratch)
	// JMP r/m64 (0xFF /4)
	scratchReg, _ := GetRegister("r11")
	e.Code.write(rex(scratchReg.Encoding, 0), 0xFF, 0xE0|(scratchReg.Encoding&7))
	return ErrNone
}

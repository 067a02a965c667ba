//go:build darwin

package poly

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/veil/internal/asm"
	ed "github.com/xyproto/veil/internal/editor"
	"github.com/xyproto/veil/internal/editor/macho"
)

// mprotectNR is the BSD mprotect syscall number as invoked on Darwin
// through the Unix syscall class (0x2000000), per spec.md's Mac OS
// stub-generation step.
const mprotectNR = 0x2000000 + 74

func init() {
	emitMakeWritable = darwinEmitMakeWritable
	hostMakeWritable = darwinHostMakeWritable
	postConstruct = darwinPostConstruct
}

// darwinEmitMakeWritable emits the BSD mprotect syscall and branches to
// exitLabel on the carry flag, the BSD syscall convention's error
// signal (unlike Linux, which returns a negative value in rax).
func darwinEmitMakeWritable(e *Engine, addrReg, lenReg asm.Operand, exitLabel string) error {
	em := e.Asm
	em.MovRegToReg(asm.Reg("rdi"), addrReg)
	em.MovRegToReg(asm.Reg("rsi"), lenReg)
	em.MovImmToReg(asm.Reg("rdx"), protRWX)
	em.MovImmToReg(asm.Reg("rax"), mprotectNR)
	em.Syscall()
	em.JmpIfLabel(asm.JumpCarry, exitLabel)
	return nil
}

func darwinHostMakeWritable(va ed.Address, length uint64) error {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), int(length))
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}

// darwinPostConstruct flips the target's __TEXT max-protection to
// include write, since Darwin's VM subsystem never lets a mapping's
// current protection exceed its max-protection and a freshly linked
// __TEXT segment's max-protection is r-x only.
func darwinPostConstruct(e *Engine) error {
	me, ok := e.Editor.(*macho.Editor)
	if !ok {
		return nil
	}
	return me.EnableTextMaxWrite()
}

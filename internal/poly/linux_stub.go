//go:build linux

package poly

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/veil/internal/asm"
	ed "github.com/xyproto/veil/internal/editor"
)

// mprotectNR is the Linux x86-64 syscall number for mprotect.
const mprotectNR = 10

func init() {
	emitMakeWritable = linuxEmitMakeWritable
	hostMakeWritable = linuxHostMakeWritable
}

// linuxEmitMakeWritable emits `syscall(mprotect, addr, len, R|W|X)` and
// branches to exitLabel when the raw return value is nonzero, per
// spec.md's Linux stub-generation step: nr=10, SysV syscall ABI
// (rax=nr, rdi/rsi/rdx=args 1-3).
func linuxEmitMakeWritable(e *Engine, addrReg, lenReg asm.Operand, exitLabel string) error {
	em := e.Asm
	em.MovRegToReg(asm.Reg("rdi"), addrReg)
	em.MovRegToReg(asm.Reg("rsi"), lenReg)
	em.MovImmToReg(asm.Reg("rdx"), protRWX)
	em.MovImmToReg(asm.Reg("rax"), mprotectNR)
	em.Syscall()
	em.CmpRegImm(asm.Reg("rax"), 0)
	em.JmpIfLabel(asm.JumpNotEqual, exitLabel)
	return nil
}

// linuxHostMakeWritable mirrors hotreload_unix.go's direct mmap/mprotect
// usage, mprotecting the running process's own already-mapped text
// range ahead of EncryptCode's self-infection write.
func linuxHostMakeWritable(va ed.Address, length uint64) error {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), int(length))
	return unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}

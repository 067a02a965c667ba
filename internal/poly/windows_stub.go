//go:build windows

package poly

import (
	"fmt"

	"golang.org/x/sys/windows"

	"github.com/xyproto/veil/internal/asm"
	ed "github.com/xyproto/veil/internal/editor"
	"github.com/xyproto/veil/internal/editor/pe"
)

// pageExecuteReadwrite is Windows' PAGE_EXECUTE_READWRITE protection
// constant.
const pageExecuteReadwrite = 0x40

func init() {
	emitMakeWritable = windowsEmitMakeWritable
	hostMakeWritable = windowsHostMakeWritable
}

// windowsEmitMakeWritable calls the imported KERNEL32!VirtualProtect
// through the *target* binary's own IAT slot (resolved via
// pe.Editor.ReferenceImport), following the Win64 fastcall convention
// (rcx, rdx, r8, r9, then a 32-byte shadow space) rather than the SysV
// one the other two OS stubs use. rdi/rsi are callee-saved under Win64,
// so addrReg survives the call unclobbered.
func windowsEmitMakeWritable(e *Engine, addrReg, lenReg asm.Operand, exitLabel string) error {
	target, ok := e.Editor.(*pe.Editor)
	if !ok {
		return fmt.Errorf("poly: windows stub requires a pe.Editor target")
	}
	thunkVA, err := target.ReferenceImport("KERNEL32.dll", "VirtualProtect")
	if err != nil {
		return fmt.Errorf("poly: VirtualProtect not found in target import table: %w", err)
	}

	em := e.Asm
	em.SubRegImm(asm.Reg("rsp"), 40) // shadow space (32) + lpflOldProtect slot (8)
	em.MovRegToReg(asm.Reg("rcx"), addrReg)
	em.MovRegToReg(asm.Reg("rdx"), lenReg)
	em.MovImmToReg(asm.Reg("r8"), pageExecuteReadwrite)
	em.MovRegToReg(asm.Reg("r9"), asm.Reg("rsp"))

	em.MovImmToReg(asm.Reg("r11"), int64(uint64(thunkVA)))
	em.MovMemToReg(asm.Reg("r11"), asm.Mem("r11", 0)) // dereference the IAT slot's resolved function pointer
	em.CallReg(asm.Reg("r11"))
	em.CmpRegImm(asm.Reg("rax"), 0)
	em.JmpIfLabel(asm.JumpEqual, exitLabel) // BOOL: zero means failure
	em.AddRegImm(asm.Reg("rsp"), 40)
	return nil
}

// windowsHostMakeWritable calls VirtualProtect directly against the
// running process's own memory, for EncryptCode's self-infection path.
func windowsHostMakeWritable(va ed.Address, length uint64) error {
	var old uint32
	return windows.VirtualProtect(uintptr(va), uintptr(length), pageExecuteReadwrite, &old)
}

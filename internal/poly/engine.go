// Package poly assembles and installs the per-build self-decrypting
// stub that makes a host binary polymorphic (C10/C11): a fresh
// machine-code fragment that makes the host's own text section
// writable, decrypts it in place with the build's cipher.Secret, and
// tailcalls into the binary's original entry point. Grounded on the
// teacher's hotreload_unix.go/hotreload_windows.go (mprotect/
// VirtualProtect idiom) and plt_got.go (import-thunk patching idiom).
package poly

import (
	"fmt"
	"os"

	"github.com/xyproto/veil/internal/asm"
	"github.com/xyproto/veil/internal/cipher"
	ed "github.com/xyproto/veil/internal/editor"
)

// VerboseMode gates the human-readable trace every mutating Engine call
// writes to stderr, the same package-level idiom asm.VerboseMode uses.
var VerboseMode = false

func trace(format string, args ...any) {
	if VerboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// FinalizeVariant selects ProduceRaw's ret/jmp tailcall strategy;
// re-exported from internal/asm so callers never need to import asm
// just to name RetToJmp/DeleteRet.
type FinalizeVariant = asm.FinalizeVariant

const (
	RetToJmp  = asm.RetToJmp
	DeleteRet = asm.DeleteRet
)

// protRWX is PROT_READ|PROT_WRITE|PROT_EXEC (0x7), the protection every
// OS stub requests for the decrypted text range.
const protRWX = 0x7

// emitMakeWritable assembles the OS-specific "make text writable"
// syscall/API call into the stub being generated. Exactly one of
// linux_stub.go/darwin_stub.go/windows_stub.go sets it via init, the
// same compile-time OS dispatch internal/editor/current.OsBuild uses.
var emitMakeWritable func(e *Engine, addrReg, lenReg asm.Operand, exitLabel string) error

// hostMakeWritable performs the equivalent call against the running
// process's own memory, for EncryptCode's self-infection path (the
// binary being edited is the process currently executing this code).
// Left nil on a build that only ever edits on-disk images of some other
// process (no platform this engine targets leaves it nil, but a test
// build swapping it out is still legal).
var hostMakeWritable func(va ed.Address, length uint64) error

// postConstruct runs once after New builds an Engine, for one-time
// per-OS setup a generic constructor can't express (only darwin_stub.go
// sets this, to flip __TEXT's max-protection before any stub is
// generated).
var postConstruct func(e *Engine) error

// Stub is one finalized, ready-to-install decryption stub.
type Stub struct {
	Code asm.RawCode
	VA   ed.Address
}

// Engine assembles and installs the self-decrypting stub for one build.
// It owns the target editor, the build's secret, and the emitter the
// stub's instructions accumulate into.
type Engine struct {
	Editor ed.BinaryEditor
	Secret cipher.Secret
	Asm    *asm.Emitter

	variant     FinalizeVariant
	sectionName string
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithFinalizeVariant overrides the default DeleteRet tailcall strategy
// (Open Question 2).
func WithFinalizeVariant(v FinalizeVariant) Option {
	return func(e *Engine) { e.variant = v }
}

// WithStubSectionName overrides the default "decrypt" injected-section
// name. Supplemented from original_source, where this is a constructor
// parameter rather than a hardcoded constant: useful to avoid a name
// collision when the same binary is processed twice in one test run.
func WithStubSectionName(name string) Option {
	return func(e *Engine) { e.sectionName = name }
}

// New builds an Engine targeting editor with secret, running whatever
// one-time per-OS construction step this build registers (darwin's
// __TEXT max-protection flip) before returning.
func New(editor ed.BinaryEditor, secret cipher.Secret, opts ...Option) (*Engine, error) {
	e := &Engine{
		Editor:      editor,
		Secret:      secret,
		Asm:         asm.NewEmitter(),
		variant:     DeleteRet,
		sectionName: "decrypt",
	}
	for _, opt := range opts {
		opt(e)
	}
	if postConstruct != nil {
		if err := postConstruct(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// StubSectionName is the name GenerateCode's stub is installed under;
// "decrypt" unless overridden by WithStubSectionName.
func (e *Engine) StubSectionName() string { return e.sectionName }

const (
	exitLabel   = "poly_exit"
	textVALabel = "poly_text_va"
	stubEntry   = "poly_stub_entry"
)

// GenerateCode implements spec.md §4.3's generate_code(secret): a
// zero-argument stub that makes the host's text section writable, loads
// its runtime address, decrypts it with secret, then falls through to
// the epilogue. Per-OS syscall emission is installed by exactly one of
// linux_stub.go/darwin_stub.go/windows_stub.go's init.
func (e *Engine) GenerateCode(secret cipher.Secret) error {
	if emitMakeWritable == nil {
		return fmt.Errorf("poly: no make-writable stub registered for this OS build")
	}
	e.Secret = secret
	em := e.Asm

	textVA := uint64(e.Editor.TextSectionVA())
	textSize := e.Editor.TextSectionSize()
	alignedVA, alignedLen := e.Editor.AlignToPageSize(ed.Address(textVA), textSize)
	trace("poly: generating stub for text VA %#x size %d (page-aligned %#x/%d)\n", textVA, textSize, alignedVA, alignedLen)

	// The page-aligned text VA is embedded as an inline data literal
	// rather than a bare movabs (step 3 below). It has to live somewhere control flow
	// never falls into, so it's placed right up front behind an
	// unconditional jump over it; everything from stubEntry onward runs
	// straight through to Epilogue's ret with nothing trailing it, which
	// is what lets ProduceRaw find and convert that ret into the
	// tailcall.
	em.JmpLabel(stubEntry)
	em.EmitQuad(textVALabel, uint64(alignedVA))
	em.Code.Label(stubEntry)

	em.Prologue()

	addrReg := asm.Reg("rdi")
	lenReg := asm.Reg("rsi")

	// Step 3: load the text VA into a fresh register via a RIP-relative
	// lea against an inline literal rather than a bare movabs, so the
	// constant can be patched without re-encoding the instruction that
	// reads it.
	if err := em.LeaRIPLabel(addrReg, textVALabel); err != asm.ErrNone {
		return fmt.Errorf("poly: lea text va: %s", err)
	}
	if err := em.MovMemToReg(addrReg, asm.Mem(addrReg.RegName(), 0)); err != asm.ErrNone {
		return fmt.Errorf("poly: load text va: %s", err)
	}
	em.MovImmToReg(lenReg, int64(alignedLen))

	// Step 2.
	if err := emitMakeWritable(e, addrReg, lenReg, exitLabel); err != nil {
		return err
	}

	// Step 4: addrReg survives the make-writable call on every OS this
	// engine targets (a SysV/BSD `syscall` only clobbers rcx/r11; a
	// Win64 `call` preserves rdi as a non-volatile register). It still
	// holds the page-aligned VA here, so it's advanced to the text VA
	// and then doubles as the decryption data pointer.
	if off := textVA - uint64(alignedVA); off != 0 {
		em.AddRegImm(addrReg, int64(off))
	}
	if cerr := cipher.AssembleDecryption(secret, em, addrReg, int(textSize), exitLabel); cerr == cipher.ErrNotAligned {
		trace("poly: text size %d is not a multiple of the block size, aligned prefix only\n", textSize)
	}

	// Step 5. Nothing follows this ret in the emitted stream; ProduceRaw
	// relies on that to strip or convert it into the tailcall.
	em.Epilogue()

	return nil
}

// EncryptCode implements spec.md §4.3's encrypt_code(secret): reads the
// current text-section content, XOR-CBC-encrypts it into a fresh
// buffer, and writes that buffer back through UpdateTextSectionContent.
// When this build registers hostMakeWritable (every OS this engine
// targets does), the live text pages are made writable first, covering
// the case where the editor is parsing its own running process image.
func (e *Engine) EncryptCode(secret cipher.Secret) error {
	e.Secret = secret
	va := e.Editor.TextSectionVA()
	content := e.Editor.TextSectionContent()

	if hostMakeWritable != nil {
		alignedVA, alignedLen := e.Editor.AlignToPageSize(va, uint64(len(content)))
		if err := hostMakeWritable(alignedVA, alignedLen); err != nil {
			return fmt.Errorf("poly: make text writable: %w", err)
		}
	}

	mode := cipher.CBC{Block: cipher.XOR{N: secret.N()}}
	encrypted := make([]byte, len(content))
	if cerr := mode.Encrypt(secret, content, encrypted); cerr == cipher.ErrNotAligned {
		trace("poly: text size %d is not block-aligned, verbatim tail copied\n", len(content))
	}
	trace("poly: encrypted %d bytes of text at VA %#x\n", len(content), va)

	return e.Editor.UpdateTextSectionContent(encrypted)
}

// ProduceRaw implements spec.md §4.3's produce_raw(base_va, jump_va):
// installs the configured FinalizeVariant's tailcall pass, finalizes
// the emitter, and returns the flat bytes ready for UpdateContent.
func (e *Engine) ProduceRaw(baseVA, jumpVA ed.Address) (Stub, error) {
	raw, err := e.Asm.ProduceRaw(uint64(baseVA), uint64(jumpVA), e.variant)
	if err != nil {
		return Stub{}, err
	}
	trace("poly: produced %d raw stub bytes for VA %#x, tailcall to %#x\n", raw.Len(), baseVA, jumpVA)
	return Stub{Code: raw, VA: baseVA}, nil
}

// Install ties GenerateCode, ProduceRaw and spec.md's ordering
// guarantees together: reserve the stub section, generate and finalize
// the stub targeting that section's own VA, install it, and retarget
// the entry point -- all the caller needs before calling SaveChanges.
// jumpVA is the original entry point the stub tailcalls into once it
// has decrypted the text section.
func (e *Engine) Install(jumpVA ed.Address) (Stub, error) {
	if err := e.Editor.InjectSection(e.sectionName, []byte{0}); err != nil {
		return Stub{}, err
	}
	baseVA, err := e.Editor.CalculateVA(e.sectionName, 0)
	if err != nil {
		return Stub{}, err
	}
	if err := e.GenerateCode(e.Secret); err != nil {
		return Stub{}, err
	}
	stub, err := e.ProduceRaw(baseVA, jumpVA)
	if err != nil {
		return Stub{}, err
	}
	if err := e.Editor.UpdateContent(e.sectionName, stub.Code.Bytes()); err != nil {
		return Stub{}, err
	}
	e.Editor.ExecFirst(stub.VA)
	return stub, nil
}

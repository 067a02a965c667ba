package elf

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	ed "github.com/xyproto/veil/internal/editor"
)

const loadBase = 0x400000

// buildMinimalELF assembles a tiny, syntactically valid ELF64 executable
// with one PT_LOAD segment and a single .text section, for use as a test
// fixture. Not meant to actually run; only to parse and round-trip.
func buildMinimalELF(text []byte) []byte {
	const (
		ehdrSize  = 64
		phdrSize  = 56
		phdrOff   = ehdrSize
		textOff   = phdrOff + phdrSize
	)
	strtab := []byte("\x00.text\x00.shstrtab\x00")
	strtabOff := textOff + len(text)
	shOff := strtabOff + len(strtab)

	total := shOff + 64*3
	out := make([]byte, total)

	// e_ident
	copy(out[0:4], []byte{0x7f, 'E', 'L', 'F'})
	out[4] = 2 // ELFCLASS64
	out[5] = 1 // ELFDATA2LSB
	out[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(out[16:], 2)                     // e_type = ET_EXEC
	le.PutUint16(out[18:], 62)                     // e_machine = EM_X86_64
	le.PutUint32(out[20:], 1)                      // e_version
	le.PutUint64(out[24:], uint64(loadBase+textOff)) // e_entry
	le.PutUint64(out[32:], uint64(phdrOff))        // e_phoff
	le.PutUint64(out[40:], uint64(shOff))          // e_shoff
	le.PutUint32(out[48:], 0)                      // e_flags
	le.PutUint16(out[52:], ehdrSize)               // e_ehsize
	le.PutUint16(out[54:], phdrSize)               // e_phentsize
	le.PutUint16(out[56:], 1)                      // e_phnum
	le.PutUint16(out[58:], 64)                      // e_shentsize
	le.PutUint16(out[60:], 3)                      // e_shnum
	le.PutUint16(out[62:], 2)                      // e_shstrndx

	// program header: PT_LOAD covering the whole file
	p := out[phdrOff:]
	le.PutUint32(p[0:], 1)            // p_type = PT_LOAD
	le.PutUint32(p[4:], 5)            // p_flags = R+X
	le.PutUint64(p[8:], 0)            // p_offset
	le.PutUint64(p[16:], loadBase)    // p_vaddr
	le.PutUint64(p[24:], loadBase)    // p_paddr
	le.PutUint64(p[32:], uint64(total)) // p_filesz
	le.PutUint64(p[40:], uint64(total)) // p_memsz
	le.PutUint64(p[48:], 0x1000)       // p_align

	copy(out[textOff:], text)
	copy(out[strtabOff:], strtab)

	sh := out[shOff:]
	// section 0: null
	// section 1: .text
	s1 := sh[64:]
	le.PutUint32(s1[0:], 1)                       // sh_name -> ".text"
	le.PutUint32(s1[4:], 1)                       // sh_type = SHT_PROGBITS
	le.PutUint64(s1[8:], 6)                       // sh_flags = ALLOC|EXECINSTR
	le.PutUint64(s1[16:], uint64(loadBase+textOff)) // sh_addr
	le.PutUint64(s1[24:], uint64(textOff))        // sh_offset
	le.PutUint64(s1[32:], uint64(len(text)))      // sh_size
	le.PutUint64(s1[56:], 1)                      // sh_addralign

	// section 2: .shstrtab
	s2 := sh[128:]
	le.PutUint32(s2[0:], 7)                  // sh_name -> ".shstrtab"
	le.PutUint32(s2[4:], 3)                  // sh_type = SHT_STRTAB
	le.PutUint64(s2[24:], uint64(strtabOff)) // sh_offset
	le.PutUint64(s2[32:], uint64(len(strtab)))
	le.PutUint64(s2[56:], 1)

	return out
}

func TestBuildParsesTextSection(t *testing.T) {
	raw := buildMinimalELF([]byte{0x90, 0x90, 0xc3})
	be, err := Build(ed.Source{Bytes: raw})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got, want := be.TextSectionSize(), uint64(3); got != want {
		t.Fatalf("TextSectionSize() = %d, want %d", got, want)
	}
	if got, want := be.TextSectionVA(), ed.Address(loadBase+120); got != want {
		t.Fatalf("TextSectionVA() = %#x, want %#x", got, want)
	}
	if got := be.FirstExecutionVA(); got != ed.Address(loadBase+120) {
		t.Fatalf("FirstExecutionVA() = %#x", got)
	}
}

func TestInjectSectionThenSaveChanges(t *testing.T) {
	raw := buildMinimalELF([]byte{0x90, 0x90, 0xc3})
	be, err := Build(ed.Source{Bytes: raw})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	stub := []byte{0x50, 0x51, 0x58, 0x59, 0xc3}
	if err := be.InjectSection(".veil", stub); err != nil {
		t.Fatalf("InjectSection: %v", err)
	}
	if err := be.InjectSection(".veil", stub); err != ed.ErrSectionAlreadyExists {
		t.Fatalf("second InjectSection = %v, want ErrSectionAlreadyExists", err)
	}

	va, err := be.CalculateVA(".veil", 2)
	if err != nil {
		t.Fatalf("CalculateVA: %v", err)
	}

	prevEntry := be.ExecFirst(va - 2)
	if prevEntry != ed.Address(loadBase+120) {
		t.Fatalf("ExecFirst returned %#x, want original entry", prevEntry)
	}

	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")
	if _, err := be.SaveChanges(ed.Destination{Path: dst}); err != nil {
		t.Fatalf("SaveChanges: %v", err)
	}

	saved, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read saved: %v", err)
	}
	if len(saved) <= len(raw) {
		t.Fatalf("expected saved file to grow past %d bytes, got %d", len(raw), len(saved))
	}

	be2, err := Build(ed.Source{Bytes: saved})
	if err != nil {
		t.Fatalf("re-Build saved image: %v", err)
	}
	if got := be2.FirstExecutionVA(); got != va-2 {
		t.Fatalf("patched entry = %#x, want %#x", got, va-2)
	}
}

func TestUpdateTextSectionContentSameLength(t *testing.T) {
	raw := buildMinimalELF([]byte{0x90, 0x90, 0xc3})
	be, err := Build(ed.Source{Bytes: raw})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := be.UpdateTextSectionContent([]byte{0x31, 0xc0, 0xc3}); err != nil {
		t.Fatalf("UpdateTextSectionContent: %v", err)
	}
	if got := be.TextSectionContent(); string(got) != string([]byte{0x31, 0xc0, 0xc3}) {
		t.Fatalf("TextSectionContent() = %x", got)
	}

	if err := be.UpdateTextSectionContent([]byte{0x90}); err != ed.ErrUnsupportedLayout {
		t.Fatalf("resizing update = %v, want ErrUnsupportedLayout", err)
	}
}

func TestBuildRejectsSharedObjectWithZeroEntry(t *testing.T) {
	raw := buildMinimalELF([]byte{0x90, 0x90, 0xc3})
	le := binary.LittleEndian
	le.PutUint16(raw[16:], 3) // e_type = ET_DYN
	le.PutUint64(raw[24:], 0) // e_entry = 0

	if _, err := Build(ed.Source{Bytes: raw}); err != ed.ErrMalformedImage {
		t.Fatalf("Build shared object with zero entry = %v, want ErrMalformedImage", err)
	}
}

func TestBuildAcceptsSharedObjectWithNonzeroEntry(t *testing.T) {
	raw := buildMinimalELF([]byte{0x90, 0x90, 0xc3})
	le := binary.LittleEndian
	le.PutUint16(raw[16:], 3) // e_type = ET_DYN; e_entry is already nonzero

	be, err := Build(ed.Source{Bytes: raw})
	if err != nil {
		t.Fatalf("Build shared object with nonzero entry: %v", err)
	}
	if got := be.FirstExecutionVA(); got != ed.Address(loadBase+120) {
		t.Fatalf("FirstExecutionVA() = %#x, want %#x", got, loadBase+120)
	}
}

func TestUpdateContentUnknownSection(t *testing.T) {
	raw := buildMinimalELF([]byte{0x90, 0xc3})
	be, err := Build(ed.Source{Bytes: raw})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := be.UpdateContent(".nope", []byte{1}); err != ed.ErrSectionNotFound {
		t.Fatalf("UpdateContent unknown = %v, want ErrSectionNotFound", err)
	}
}

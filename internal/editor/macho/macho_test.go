package macho

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	ed "github.com/xyproto/veil/internal/editor"
)

const (
	textVMAddr = 0x100000000
	pageSize   = 0x1000
)

// buildMinimalMachO assembles a tiny, syntactically valid Mach-O64
// executable with __TEXT/__text, an empty __DATA, and a trailing
// __LINKEDIT, plus generous padding in the load-command area so an
// injected segment command has room to land without a file-content
// shift.
func buildMinimalMachO(text []byte) []byte {
	const (
		cmdsStart   = 32
		textCmdSize = segCmdSize + sectCmdSize // 152
		mainCmdSize = 24
		dataCmdSize = segCmdSize
		linkCmdSize = segCmdSize
		cmdsEnd     = cmdsStart + textCmdSize + mainCmdSize + dataCmdSize + linkCmdSize // 352
		textFileOff = 600
	)
	dataVMAddr := uint64(textVMAddr) + pageSize
	linkVMAddr := dataVMAddr + pageSize

	total := textFileOff + len(text)
	out := make([]byte, total)
	le := binary.LittleEndian

	le.PutUint32(out[0:], magic64)
	le.PutUint32(out[4:], 0x01000007) // CPU_TYPE_X86_64
	le.PutUint32(out[8:], 3)
	le.PutUint32(out[12:], 2) // MH_EXECUTE
	le.PutUint32(out[16:], 4) // ncmds
	le.PutUint32(out[20:], uint32(textCmdSize+mainCmdSize+dataCmdSize+linkCmdSize))
	le.PutUint32(out[24:], 0)
	le.PutUint32(out[28:], 0)

	cur := cmdsStart
	// __TEXT
	le.PutUint32(out[cur:], lcSegment64)
	le.PutUint32(out[cur+4:], textCmdSize)
	copy(out[cur+8:cur+24], []byte("__TEXT"))
	le.PutUint64(out[cur+24:], textVMAddr)
	le.PutUint64(out[cur+32:], pageSize)
	le.PutUint64(out[cur+40:], 0)
	le.PutUint64(out[cur+48:], pageSize)
	le.PutUint32(out[cur+56:], 7)
	le.PutUint32(out[cur+60:], 5)
	le.PutUint32(out[cur+64:], 1) // nsects
	so := cur + segCmdSize
	copy(out[so:so+16], []byte("__text"))
	copy(out[so+16:so+32], []byte("__TEXT"))
	le.PutUint64(out[so+32:], textVMAddr+textFileOff)
	le.PutUint64(out[so+40:], uint64(len(text)))
	le.PutUint32(out[so+48:], textFileOff)
	le.PutUint32(out[so+64:], 0x80000400) // PURE_INSTRUCTIONS | SOME_INSTRUCTIONS
	cur += textCmdSize

	// LC_MAIN
	le.PutUint32(out[cur:], lcMain)
	le.PutUint32(out[cur+4:], mainCmdSize)
	le.PutUint64(out[cur+8:], textFileOff) // entryoff
	cur += mainCmdSize

	// __DATA
	le.PutUint32(out[cur:], lcSegment64)
	le.PutUint32(out[cur+4:], dataCmdSize)
	copy(out[cur+8:cur+24], []byte("__DATA"))
	le.PutUint64(out[cur+24:], dataVMAddr)
	le.PutUint64(out[cur+32:], pageSize)
	le.PutUint64(out[cur+40:], 700)
	le.PutUint64(out[cur+48:], pageSize)
	le.PutUint32(out[cur+56:], 3)
	le.PutUint32(out[cur+60:], 3)
	cur += dataCmdSize

	// __LINKEDIT
	le.PutUint32(out[cur:], lcSegment64)
	le.PutUint32(out[cur+4:], linkCmdSize)
	copy(out[cur+8:cur+24], []byte("__LINKEDIT"))
	le.PutUint64(out[cur+24:], linkVMAddr)
	le.PutUint64(out[cur+32:], 16)
	le.PutUint64(out[cur+40:], 800)
	le.PutUint64(out[cur+48:], 16)
	le.PutUint32(out[cur+56:], 1)
	le.PutUint32(out[cur+60:], 1)

	copy(out[textFileOff:], text)
	return out
}

func TestBuildParsesMachOText(t *testing.T) {
	raw := buildMinimalMachO([]byte{0x90, 0x90, 0x90, 0xc3})
	be, err := Build(ed.Source{Bytes: raw})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got, want := be.TextSectionSize(), uint64(4); got != want {
		t.Fatalf("TextSectionSize = %d, want %d", got, want)
	}
	wantVA := ed.Address(textVMAddr + 600)
	if got := be.TextSectionVA(); got != wantVA {
		t.Fatalf("TextSectionVA = %#x, want %#x", got, wantVA)
	}
	if got := be.FirstExecutionVA(); got != wantVA {
		t.Fatalf("FirstExecutionVA = %#x, want %#x", got, wantVA)
	}
}

func TestMachOInjectSectionAndSaveChanges(t *testing.T) {
	raw := buildMinimalMachO([]byte{0x90, 0x90, 0x90, 0xc3})
	be, err := Build(ed.Source{Bytes: raw})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	stub := []byte{0x50, 0x51, 0x58, 0x59, 0xc3}
	if err := be.InjectSection("veil", stub); err != nil {
		t.Fatalf("InjectSection: %v", err)
	}
	if err := be.InjectSection("__veil", stub); err != ed.ErrSectionAlreadyExists {
		t.Fatalf("re-inject under prefixed name = %v, want ErrSectionAlreadyExists", err)
	}

	va, err := be.CalculateVA("veil", 0)
	if err != nil {
		t.Fatalf("CalculateVA: %v", err)
	}
	be.ExecFirst(va)

	dir := t.TempDir()
	dst := filepath.Join(dir, "out.bin")
	ok, err := be.SaveChanges(ed.Destination{Path: dst})
	if err != nil {
		t.Fatalf("SaveChanges: %v", err)
	}
	if ok {
		t.Fatalf("SaveChanges reported trailer survives, want false")
	}

	saved, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("read saved: %v", err)
	}
	if len(saved) <= len(raw) {
		t.Fatalf("expected saved file to grow, got %d vs original %d", len(saved), len(raw))
	}

	be2, err := Build(ed.Source{Bytes: saved})
	if err != nil {
		t.Fatalf("re-Build saved image: %v", err)
	}
	if got := be2.FirstExecutionVA(); got != va {
		t.Fatalf("patched entry = %#x, want %#x", got, va)
	}
}

// wrapFat prefixes a thin Mach-O slice with a one-architecture fat
// header naming cpuType, at a page-aligned offset the way lipo lays
// real universal binaries out.
func wrapFat(slice []byte, cpuType uint32) []byte {
	const off = pageSize
	out := make([]byte, off+len(slice))
	be := binary.BigEndian
	be.PutUint32(out[0:], fatMagic)
	be.PutUint32(out[4:], 1) // nfat_arch
	be.PutUint32(out[8:], cpuType)
	be.PutUint32(out[12:], 0) // cpusubtype
	be.PutUint32(out[16:], off)
	be.PutUint32(out[20:], uint32(len(slice)))
	be.PutUint32(out[24:], 12) // align (2^12 = pageSize)
	copy(out[off:], slice)
	return out
}

func TestBuildExtractsX8664SliceFromFatBinary(t *testing.T) {
	thin := buildMinimalMachO([]byte{0x90, 0x90, 0x90, 0xc3})
	raw := wrapFat(thin, cpuTypeX8664)

	be, err := Build(ed.Source{Bytes: raw})
	if err != nil {
		t.Fatalf("Build fat binary: %v", err)
	}
	wantVA := ed.Address(textVMAddr + 600)
	if got := be.FirstExecutionVA(); got != wantVA {
		t.Fatalf("FirstExecutionVA = %#x, want %#x", got, wantVA)
	}
}

func TestBuildRejectsFatBinaryWithoutX8664Slice(t *testing.T) {
	thin := buildMinimalMachO([]byte{0x90, 0x90, 0x90, 0xc3})
	const cpuTypeARM64 = 0x0100000c
	raw := wrapFat(thin, cpuTypeARM64)

	if _, err := Build(ed.Source{Bytes: raw}); err != ed.ErrUnsupportedFormat {
		t.Fatalf("Build fat binary without x86-64 slice = %v, want ErrUnsupportedFormat", err)
	}
}

func TestSaveChangesWithNoEditsReportsTrailerDoesNotSurvive(t *testing.T) {
	raw := buildMinimalMachO([]byte{0x90, 0x90, 0x90, 0xc3})
	be, err := Build(ed.Source{Bytes: raw})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "out.bin")
	ok, err := be.SaveChanges(ed.Destination{Path: dst})
	if err != nil {
		t.Fatalf("SaveChanges: %v", err)
	}
	if ok {
		t.Fatalf("SaveChanges reported trailer survives, want false")
	}
}

func TestUpdateTextSectionContentSameLength(t *testing.T) {
	raw := buildMinimalMachO([]byte{0x90, 0x90, 0x90, 0xc3})
	be, err := Build(ed.Source{Bytes: raw})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := be.UpdateTextSectionContent([]byte{0x31, 0xc0, 0x90, 0xc3}); err != nil {
		t.Fatalf("UpdateTextSectionContent: %v", err)
	}
	if got := be.TextSectionContent(); string(got) != string([]byte{0x31, 0xc0, 0x90, 0xc3}) {
		t.Fatalf("TextSectionContent = %x", got)
	}
	if err := be.UpdateTextSectionContent([]byte{0x90}); err != ed.ErrUnsupportedLayout {
		t.Fatalf("resizing update = %v, want ErrUnsupportedLayout", err)
	}
}

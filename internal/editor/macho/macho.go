// Package macho implements editor.BinaryEditor for Mach-O executables,
// fully hand-rolled (read and write) on the struct layouts the teacher
// defines in its own macho.go, since that file only ever builds a
// Mach-O from scratch and has no read path of its own to extend.
package macho

import (
	"encoding/binary"
	"os"

	ed "github.com/xyproto/veil/internal/editor"
)

const (
	magic64      = 0xfeedfacf
	lcSegment64  = 0x19
	lcMain       = 0x80000028
	vmProtRead   = 0x01
	vmProtWrite  = 0x02
	vmProtExec   = 0x04
	segCmdSize   = 72
	sectCmdSize  = 80
	headerSize   = 32

	// Fat/universal binary framing (big-endian, unlike everything else
	// in this file): a fat_header followed by nfat_arch fat_arch
	// entries, each naming a thin Mach-O slice's cputype and its
	// offset/size within the file.
	fatMagic      = 0xcafebabe
	fatHeaderSize = 8
	fatArchSize   = 20
	cpuTypeX8664  = 0x01000007
)

type segment struct {
	cmdOff   int // offset of the LC_SEGMENT_64 command in the file
	name     string
	vmaddr   uint64
	vmsize   uint64
	fileoff  uint64
	filesize uint64
	maxprot  uint32
	initprot uint32
	nsects   uint32
	sectOff  int // offset of the first Section64 following the command
}

type injected struct {
	name    string
	va      ed.Address
	content []byte
}

// Editor is the Mach-O implementation of editor.BinaryEditor.
type Editor struct {
	ed.Image
	raw       []byte
	ncmds     uint32
	sizeofcmd uint32
	segs      []segment
	textIdx   int
	linkIdx   int
	lastIdx   int // segment with the highest VMAddr among non-__LINKEDIT segments
	entryOff  uint64
	entryCmd  int // file offset of the LC_MAIN command, -1 if absent
	linkedOK  bool
	injected  []injected
	entryPatch ed.Address
	hasPatch   bool
	protDirty  bool
}

func cstr(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Build parses src as a Mach-O 64-bit executable.
func Build(src ed.Source) (ed.BinaryEditor, error) {
	raw := src.Bytes
	if raw == nil {
		b, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(raw) >= 4 && binary.BigEndian.Uint32(raw[0:]) == fatMagic {
		return buildFat(raw)
	}
	if len(raw) < headerSize {
		return nil, ed.ErrMalformedImage
	}
	le := binary.LittleEndian
	if le.Uint32(raw[0:]) != magic64 {
		return nil, ed.ErrUnsupportedFormat
	}

	e := &Editor{
		raw:      append([]byte(nil), raw...),
		ncmds:    le.Uint32(raw[16:]),
		sizeofcmd: le.Uint32(raw[20:]),
		textIdx:  -1,
		linkIdx:  -1,
		lastIdx:  -1,
		entryCmd: -1,
	}

	cursor := headerSize
	for i := uint32(0); i < e.ncmds; i++ {
		if cursor+8 > len(raw) {
			return nil, ed.ErrMalformedImage
		}
		cmd := le.Uint32(raw[cursor:])
		cmdsize := le.Uint32(raw[cursor+4:])

		switch cmd {
		case lcSegment64:
			s := segment{
				cmdOff:   cursor,
				name:     cstr(raw[cursor+8 : cursor+24]),
				vmaddr:   le.Uint64(raw[cursor+24:]),
				vmsize:   le.Uint64(raw[cursor+32:]),
				fileoff:  le.Uint64(raw[cursor+40:]),
				filesize: le.Uint64(raw[cursor+48:]),
				maxprot:  le.Uint32(raw[cursor+56:]),
				initprot: le.Uint32(raw[cursor+60:]),
				nsects:   le.Uint32(raw[cursor+64:]),
				sectOff:  cursor + segCmdSize,
			}
			idx := len(e.segs)
			e.segs = append(e.segs, s)
			e.Segments = append(e.Segments, ed.Segment{
				Name:        s.name,
				VA:          ed.Address(s.vmaddr),
				Size:        s.vmsize,
				Permissions: protToPerm(s.initprot),
			})
			if s.name == "__TEXT" {
				e.textIdx = idx
			}
			if s.name == "__LINKEDIT" {
				e.linkIdx = idx
			} else if e.lastIdx < 0 || s.vmaddr > e.segs[e.lastIdx].vmaddr {
				e.lastIdx = idx
			}

			for j := uint32(0); j < s.nsects; j++ {
				so := s.sectOff + int(j)*sectCmdSize
				if so+sectCmdSize > len(raw) {
					break
				}
				sectName := cstr(raw[so : so+16])
				addr := le.Uint64(raw[so+32:])
				size := le.Uint64(raw[so+40:])
				off := le.Uint32(raw[so+48:])
				var content []byte
				if off > 0 && uint64(off)+size <= uint64(len(raw)) {
					content = raw[off : uint64(off)+size]
				}
				e.Sections = append(e.Sections, ed.Section{
					Name:        sectName,
					VA:          ed.Address(addr),
					Content:     append([]byte(nil), content...),
					Permissions: protToPerm(s.initprot),
				})
			}
		case lcMain:
			if cursor+24 <= len(raw) {
				e.entryOff = le.Uint64(raw[cursor+8:])
				e.entryCmd = cursor
			}
		}
		cursor += int(cmdsize)
	}
	e.ImageBase = 0
	if e.textIdx >= 0 {
		e.EntryVA = e.segs[e.textIdx].vmaddr + e.entryOff
	}

	e.linkedOK = e.linkIdx >= 0 && e.lastIdx >= 0 &&
		e.segs[e.linkIdx].vmaddr > e.segs[e.lastIdx].vmaddr &&
		e.segs[e.linkIdx].fileoff >= e.segs[e.lastIdx].fileoff

	return e, nil
}

// buildFat extracts the x86-64 slice out of a fat/universal Mach-O and
// builds from it directly — spec.md §4.1 only targets the x86-64 slice
// of a fat binary; a fat image with none fails the same way an
// unsupported architecture would for a thin image.
func buildFat(raw []byte) (ed.BinaryEditor, error) {
	if len(raw) < fatHeaderSize {
		return nil, ed.ErrMalformedImage
	}
	be := binary.BigEndian
	nArch := be.Uint32(raw[4:])
	cursor := fatHeaderSize
	for i := uint32(0); i < nArch; i++ {
		if cursor+fatArchSize > len(raw) {
			return nil, ed.ErrMalformedImage
		}
		cpuType := be.Uint32(raw[cursor:])
		offset := be.Uint32(raw[cursor+8:])
		size := be.Uint32(raw[cursor+12:])
		if cpuType == cpuTypeX8664 {
			if uint64(offset)+uint64(size) > uint64(len(raw)) {
				return nil, ed.ErrMalformedImage
			}
			return Build(ed.Source{Bytes: raw[offset : uint64(offset)+uint64(size)]})
		}
		cursor += fatArchSize
	}
	return nil, ed.ErrUnsupportedFormat
}

func protToPerm(prot uint32) ed.Permissions {
	var p ed.Permissions
	if prot&vmProtRead != 0 {
		p |= ed.PermRead
	}
	if prot&vmProtWrite != 0 {
		p |= ed.PermWrite
	}
	if prot&vmProtExec != 0 {
		p |= ed.PermExec
	}
	return p
}

func (e *Editor) FirstExecutionVA() ed.Address { return ed.Address(e.EntryVA) }

func (e *Editor) ExecFirst(va ed.Address) ed.Address {
	prev := ed.Address(e.EntryVA)
	if e.hasPatch {
		prev = e.entryPatch
	}
	e.entryPatch = va
	e.hasPatch = true
	return prev
}

// EnableTextMaxWrite ORs write into __TEXT's max-protection so a later
// runtime mprotect(R|W|X) is legal (Darwin's VM subsystem never allows a
// mapping's current protection to exceed its max-protection, and a
// freshly linked __TEXT segment's max-protection is r-x only). Mirrors
// spec.md §4.3's "upon construction, the engine flips the text
// segment's max-protection to include write (if not already)" for the
// darwin stub path; a no-op if already writable.
func (e *Editor) EnableTextMaxWrite() error {
	if e.textIdx < 0 {
		return ed.ErrSectionNotFound
	}
	if e.segs[e.textIdx].maxprot&vmProtWrite == 0 {
		e.segs[e.textIdx].maxprot |= vmProtWrite
		e.protDirty = true
	}
	return nil
}

func (e *Editor) textSection() *ed.Section { return e.Image.FindSection("__text") }

func (e *Editor) TextSectionVA() ed.Address {
	if s := e.textSection(); s != nil {
		return s.VA
	}
	return 0
}

func (e *Editor) TextSectionSize() uint64 {
	if s := e.textSection(); s != nil {
		return uint64(len(s.Content))
	}
	return 0
}

func (e *Editor) TextSectionContent() []byte {
	if s := e.textSection(); s != nil {
		return s.Content
	}
	return nil
}

func (e *Editor) TextSectionRA(entryPointRA uintptr) ed.Address {
	return ed.Address(uint64(e.TextSectionVA()) + uint64(entryPointRA))
}

// prefixed applies the Mach-O "__" section/segment naming convention to
// names supplied without it (REDESIGN FLAGS naming table: "." for
// ELF/PE, "__" for Mach-O).
func prefixed(name string) string {
	if len(name) >= 2 && name[:2] == "__" {
		return name
	}
	return "__" + name
}

func (e *Editor) InjectSection(name string, content []byte) error {
	name = prefixed(name)
	if !e.linkedOK {
		return ed.ErrUnsupportedLayout
	}
	if e.Image.FindSection(name) != nil {
		return ed.ErrSectionAlreadyExists
	}
	for _, inj := range e.injected {
		if inj.name == name {
			return ed.ErrSectionAlreadyExists
		}
	}
	if len(content) == 0 {
		content = []byte{0}
	}

	base := e.nextNewSegVA()
	var used uint64
	for _, inj := range e.injected {
		used += uint64(len(inj.content))
	}
	va := ed.Address(uint64(base) + used)
	e.injected = append(e.injected, injected{name: name, va: va, content: content})
	e.Sections = append(e.Sections, ed.Section{Name: name, VA: va, Content: content, Permissions: ed.PermRead | ed.PermExec})
	return nil
}

// nextNewSegVA is the page-aligned virtual address the lazily created
// __NEW segment starts at, immediately after the last segment that
// precedes __LINKEDIT.
func (e *Editor) nextNewSegVA() ed.Address {
	last := e.segs[e.lastIdx]
	return ed.Address(ed.AlignUp(last.vmaddr + last.vmsize))
}

func (e *Editor) UpdateContent(name string, content []byte) error {
	for i := range e.injected {
		if e.injected[i].name == name {
			e.injected[i].content = content
			if sec := e.Image.FindSection(name); sec != nil {
				sec.Content = content
			}
			return nil
		}
	}
	sec := e.Image.FindSection(name)
	if sec == nil {
		return ed.ErrSectionNotFound
	}
	if len(content) != len(sec.Content) {
		return ed.ErrUnsupportedLayout
	}
	sec.Content = content
	return nil
}

func (e *Editor) UpdateTextSectionContent(content []byte) error {
	return e.UpdateContent("__text", content)
}

func (e *Editor) CalculateVA(name string, offset uint64) (ed.Address, error) {
	sec := e.Image.FindSection(prefixed(name))
	if sec == nil {
		sec = e.Image.FindSection(name)
	}
	if sec == nil {
		return 0, ed.ErrSectionNotFound
	}
	return ed.Address(uint64(sec.VA) + offset), nil
}

func (e *Editor) AlignToPageSize(va ed.Address, length uint64) (ed.Address, uint64) {
	aligned := ed.Address(uint64(va) &^ (ed.PageSize - 1))
	extra := uint64(va) - uint64(aligned)
	return aligned, ed.AlignUp(length + extra)
}

// SaveChanges writes the lazily created __NEW segment (one LC_SEGMENT_64
// command with one section per injected name) into unused padding in
// the load-command area, and bumps __LINKEDIT's VMAddr up by the new
// segment's page-aligned size so the inserted VA range doesn't overlap
// it (the "__LINKEDIT shift" named in DESIGN.md's Open Question 3).
// __LINKEDIT's FileOff is left untouched: its file content never moves,
// only the address range it's mapped to. If there isn't enough padding
// before the first section's file offset to fit the new command, this
// returns editor.ErrUnsupportedLayout rather than growing the
// load-command region, which would require shifting every subsequent
// segment's file content.
func (e *Editor) SaveChanges(dst ed.Destination) (bool, error) {
	// trailerSurvives is always false for this writer: it rewrites the
	// load-command region and (when there are injected sections) appends
	// the new segment's payload straight past the file's previous end,
	// leaving no guaranteed-preserved trailing region the way the ELF and
	// PE writers, which only ever append after the current end of file,
	// can promise.
	if len(e.injected) == 0 && !e.hasPatch && !e.protDirty {
		return false, e.write(e.raw, dst)
	}
	if !e.linkedOK {
		return false, ed.ErrUnsupportedLayout
	}

	out := append([]byte(nil), e.raw...)
	le := binary.LittleEndian

	for i := range e.segs {
		seg := e.segs[i]
		le.PutUint32(out[seg.cmdOff+56:], seg.maxprot)
		for j := uint32(0); j < seg.nsects; j++ {
			so := seg.sectOff + int(j)*sectCmdSize
			sectName := cstr(out[so : so+16])
			sec := e.Image.FindSection(sectName)
			off := le.Uint32(out[so+48:])
			size := le.Uint64(out[so+40:])
			if sec == nil || off == 0 || uint64(len(sec.Content)) != size {
				continue
			}
			copy(out[off:uint64(off)+size], sec.Content)
		}
	}

	var payload []byte
	for _, inj := range e.injected {
		payload = append(payload, inj.content...)
	}
	newSegVMAddr := e.nextNewSegVA()
	newSegSize := ed.AlignUp(uint64(len(payload)))
	newSegFileOff := uint64(len(out))

	cmdsEnd := headerSize + int(e.sizeofcmd)
	firstSectionOff := e.firstSectionFileOffset()
	needed := segCmdSize + len(e.injected)*sectCmdSize
	if firstSectionOff <= 0 || cmdsEnd+needed > firstSectionOff {
		return false, ed.ErrUnsupportedLayout
	}

	cmd := make([]byte, needed)
	le.PutUint32(cmd[0:], lcSegment64)
	le.PutUint32(cmd[4:], uint32(needed))
	copy(cmd[8:24], []byte("__NEW"))
	le.PutUint64(cmd[24:], uint64(newSegVMAddr))
	le.PutUint64(cmd[32:], newSegSize)
	le.PutUint64(cmd[40:], newSegFileOff)
	le.PutUint64(cmd[48:], newSegSize)
	le.PutUint32(cmd[56:], vmProtRead|vmProtExec)             // maxprot
	le.PutUint32(cmd[60:], vmProtRead|vmProtExec)             // initprot
	le.PutUint32(cmd[64:], uint32(len(e.injected)))
	le.PutUint32(cmd[68:], 0)

	var voff uint64
	for i, inj := range e.injected {
		so := segCmdSize + i*sectCmdSize
		copy(cmd[so:so+16], []byte(inj.name))
		copy(cmd[so+16:so+32], []byte("__NEW"))
		le.PutUint64(cmd[so+32:], uint64(newSegVMAddr)+voff)
		le.PutUint64(cmd[so+40:], uint64(len(inj.content)))
		le.PutUint32(cmd[so+48:], uint32(newSegFileOff)+uint32(voff))
		le.PutUint32(cmd[so+52:], 0)
		voff += uint64(len(inj.content))
	}

	copy(out[cmdsEnd:cmdsEnd+needed], cmd)
	le.PutUint32(out[16:], e.ncmds+1)
	le.PutUint32(out[20:], e.sizeofcmd+uint32(needed))

	if e.linkIdx >= 0 {
		lc := e.segs[e.linkIdx].cmdOff
		le.PutUint64(out[lc+24:], e.segs[e.linkIdx].vmaddr+newSegSize)
	}

	if e.hasPatch && e.entryCmd >= 0 && e.textIdx >= 0 {
		// LC_MAIN's entryoff is read back (by Build, as by the loader) as
		// an offset from __TEXT's start address, so the patched entry is
		// stored as its distance from __TEXT's vmaddr, whichever segment
		// (original or the new one) contains it.
		entryOff := uint64(e.entryPatch) - e.segs[e.textIdx].vmaddr
		le.PutUint64(out[e.entryCmd+8:], entryOff)
	}

	out = append(out, payload...)
	for uint64(len(out)) < newSegFileOff+newSegSize {
		out = append(out, 0)
	}

	return false, e.write(out, dst)
}

// vaToFileOff maps a virtual address back to a file offset by finding
// the segment (original, or the newly appended one) whose VA range
// contains it and applying that segment's own vaddr->fileoff delta.
func (e *Editor) vaToFileOff(va, newSegVMAddr, newSegFileOff uint64) uint64 {
	if va >= uint64(newSegVMAddr) {
		return newSegFileOff + (va - uint64(newSegVMAddr))
	}
	for _, seg := range e.segs {
		if va >= seg.vmaddr && va < seg.vmaddr+seg.vmsize {
			return seg.fileoff + (va - seg.vmaddr)
		}
	}
	return va
}

func (e *Editor) firstSectionFileOffset() int {
	best := -1
	le := binary.LittleEndian
	for _, seg := range e.segs {
		for j := uint32(0); j < seg.nsects; j++ {
			so := seg.sectOff + int(j)*sectCmdSize
			if so+sectCmdSize > len(e.raw) {
				continue
			}
			off := int(le.Uint32(e.raw[so+48:]))
			if off > 0 && (best < 0 || off < best) {
				best = off
			}
		}
	}
	return best
}

func (e *Editor) write(out []byte, dst ed.Destination) error {
	if dst.Path == "" {
		return ed.ErrUnsupportedLayout
	}
	return os.WriteFile(dst.Path, out, 0o755)
}

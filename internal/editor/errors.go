// Package editor defines the common BinaryEditor abstraction spec.md
// §4.1 describes and the shared Image/Section/Segment data model its
// three concrete implementations (internal/editor/elf, .../macho,
// .../pe) build on.
package editor

import "github.com/xyproto/veil/internal/verr"

// Error is this subsystem's sum-typed error kind, split out from the
// flat editor.Error the distilled spec names (REDESIGN FLAGS: subsystem
// -specific sum types sharpen call-site signatures over one shared
// enum). Mirrors the level/category string-switch style of this
// project's own CompilerError.
type Error int

const (
	ErrNone Error = iota
	ErrSectionAlreadyExists
	ErrSectionNotFound
	ErrNotBuilt
	ErrUnsupportedFormat
	ErrUnsupportedLayout
	ErrMalformedImage
)

func (e Error) Error() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrSectionAlreadyExists:
		return "section already exists"
	case ErrSectionNotFound:
		return "section not found"
	case ErrNotBuilt:
		return "editor has not parsed/built an image yet"
	case ErrUnsupportedFormat:
		return "unsupported binary format"
	case ErrUnsupportedLayout:
		return "binary layout unsupported by this editor"
	case ErrMalformedImage:
		return "malformed binary image"
	default:
		return "unknown editor error"
	}
}

// AsVeilError converts e into the unified veil.Error REDESIGN FLAGS
// names, tagged verr.CategoryEditor.
func (e Error) AsVeilError() verr.Error {
	return verr.New(verr.CategoryEditor, int(e), e)
}

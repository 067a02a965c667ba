package virus

import "os"

// TempFile is the RAII-style scoped-resource guard spec.md §5 and
// REDESIGN FLAGS' "Resource release" note both require: a temp file
// that is removed on Close unless Release was called first, so every
// early-return path in this package can defer guard.Close() right after
// creation and never leak a half-written scratch file. Go has no
// destructors, so the guard's entire contract lives in that call
// discipline rather than in the type itself.
type TempFile struct {
	path     string
	released bool
}

// NewTempFile creates an empty temp file in dir (os.TempDir if empty)
// matching pattern (an os.CreateTemp glob-style pattern), returning a
// guard over it.
func NewTempFile(dir, pattern string) (*TempFile, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}
	return &TempFile{path: path}, nil
}

// Path returns the guarded file's path.
func (t *TempFile) Path() string { return t.path }

// Release disarms the guard: Close becomes a no-op, used once the
// caller has successfully moved or otherwise taken ownership of the
// file's content.
func (t *TempFile) Release() { t.released = true }

// Close removes the guarded file unless Release was called. Safe to
// call multiple times.
func (t *TempFile) Close() error {
	if t.released {
		return nil
	}
	t.released = true
	err := os.Remove(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

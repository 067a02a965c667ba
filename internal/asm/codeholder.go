package asm

import "fmt"

// pendingJump is an unresolved jump/call whose displacement is patched
// once its target label is bound.
type pendingJump struct {
	patchOffset int    // offset in buf where the rel displacement starts
	width       int    // 1 (rel8) or 4 (rel32)
	label       string // target label name
}

// CodeHolder is the assembler's accumulator of emitted instructions and
// relocations. Its lifetime co-terminates with one stub-emission
// session: construct it, emit into it through Emitter, call Finalize
// once, then read Bytes.
type CodeHolder struct {
	buf     []byte
	labels  map[string]int
	pending []pendingJump
	final   bool
}

// NewCodeHolder creates an empty accumulator.
func NewCodeHolder() *CodeHolder {
	return &CodeHolder{labels: make(map[string]int)}
}

// write appends raw bytes, panicking if the holder has already been
// finalized — emitting into a closed CodeHolder is a precondition
// violation of the caller, not a recoverable error (see the module's
// error-handling design: unrecoverable precondition failures are not
// signaled through the error sum type).
func (c *CodeHolder) write(b ...byte) {
	if c.final {
		panic("asm: write into finalized CodeHolder")
	}
	c.buf = append(c.buf, b...)
}

// Offset returns the current length of the accumulated buffer — the
// offset the next emitted byte will land at.
func (c *CodeHolder) Offset() int {
	return len(c.buf)
}

// Label binds name to the current offset. Binding the same name twice
// overwrites the earlier offset — callers only ever bind a given label
// once per stub, but the accumulator itself doesn't need to enforce
// that to stay correct.
func (c *CodeHolder) Label(name string) {
	c.labels[name] = len(c.buf)
}

// reserveJump writes width placeholder bytes, recording a relocation
// for label to be resolved at Finalize.
func (c *CodeHolder) reserveJump(label string, width int) {
	patchOffset := len(c.buf)
	for i := 0; i < width; i++ {
		c.buf = append(c.buf, 0)
	}
	c.pending = append(c.pending, pendingJump{patchOffset: patchOffset, width: width, label: label})
}

// Finalize resolves every pending jump against its bound label, patching
// rel8/rel32 displacements in place, then marks the holder closed. It is
// an error to Finalize with an unbound label still pending.
func (c *CodeHolder) Finalize() error {
	if c.final {
		return nil
	}
	for _, pj := range c.pending {
		target, ok := c.labels[pj.label]
		if !ok {
			return fmt.Errorf("asm: unresolved label %q", pj.label)
		}
		rel := int64(target) - int64(pj.patchOffset+pj.width)
		switch pj.width {
		case 1:
			if rel < -128 || rel > 127 {
				return fmt.Errorf("asm: rel8 jump to %q out of range (%d)", pj.label, rel)
			}
			c.buf[pj.patchOffset] = byte(int8(rel))
		case 4:
			if rel < -(1<<31) || rel > (1<<31)-1 {
				return fmt.Errorf("asm: rel32 jump to %q out of range (%d)", pj.label, rel)
			}
			v := uint32(int32(rel))
			c.buf[pj.patchOffset+0] = byte(v)
			c.buf[pj.patchOffset+1] = byte(v >> 8)
			c.buf[pj.patchOffset+2] = byte(v >> 16)
			c.buf[pj.patchOffset+3] = byte(v >> 24)
		default:
			return fmt.Errorf("asm: unsupported jump width %d", pj.width)
		}
	}
	c.final = true
	return nil
}

// Bytes returns the accumulated, finalized machine code. Calling it
// before Finalize returns the bytes accumulated so far, with any pending
// jump displacements still zeroed.
func (c *CodeHolder) Bytes() []byte {
	out := make([]byte, len(c.buf))
	copy(out, c.buf)
	return out
}

// Len reports the number of bytes emitted so far.
func (c *CodeHolder) Len() int {
	return len(c.buf)
}

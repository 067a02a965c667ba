package obfuscate

import (
	"github.com/xyproto/veil/internal/asm"
	"github.com/xyproto/veil/internal/exprtree"
)

// scratchPool lists the physical registers linearize may use to hold
// intermediate subtree results. It never touches rsp/rbp and never
// writes through a leaf's original register — only through registers it
// allocates itself — so the instruction's original operands stay valid
// to re-read for the lifetime of the whole expansion, which matters
// because a shared subtree (the rewrite table reuses `a`/`b` across more
// than one new node) is linearized once per appearance.
var scratchPool = []string{"rax", "rcx", "rdx", "rbx", "r8", "r9", "r10", "r11", "r12", "r13"}

// scratchAlloc hands out and reclaims names from scratchPool, excluding
// whatever registers the original instruction's operands and destination
// occupy.
type scratchAlloc struct {
	free []string
	used map[string]bool
}

func newScratchAlloc(exclude ...string) *scratchAlloc {
	excluded := make(map[string]bool, len(exclude))
	for _, r := range exclude {
		excluded[r] = true
	}
	a := &scratchAlloc{used: make(map[string]bool)}
	for i := len(scratchPool) - 1; i >= 0; i-- {
		if !excluded[scratchPool[i]] {
			a.free = append(a.free, scratchPool[i])
		}
	}
	return a
}

func (a *scratchAlloc) alloc() string {
	if len(a.free) == 0 {
		panic("obfuscate: scratch register pool exhausted")
	}
	r := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.used[r] = true
	return r
}

// freeIfScratch reclaims reg only if this allocator handed it out — a
// leaf's original register is never reclaimed, since the caller doesn't
// own it.
func (a *scratchAlloc) freeIfScratch(reg string) {
	if a.used[reg] {
		delete(a.used, reg)
		a.free = append(a.free, reg)
	}
}

// value is a linearized subtree's result: either a register holding the
// computed value, or (for a pure-literal leaf, notably the rewrite
// table's `2`) an immediate that can be folded directly into the next
// instruction's imm operand without ever occupying a register.
type value struct {
	reg   string
	imm   int64
	isImm bool
}

// Linearize walks t in post-order and emits the straight-line
// instruction sequence spec.md §4.4 describes: each leaf becomes an
// immediate or a register reference; each interior node emits the
// corresponding x86 instruction, consuming operands via a post-order
// stack (expressed here as ordinary recursion, since the tree's depth
// is bounded by maxNodes and never approaches Go's stack limit in
// practice). If the final value isn't already in dst, a closing mov
// copies it there.
func Linearize(t *Tree, e *asm.Emitter, dst asm.Operand) asm.Error {
	exclude := collectRegisterLeaves(t, t.Root())
	exclude = append(exclude, dst.RegName())
	alloc := newScratchAlloc(exclude...)

	result, err := linearizeNode(t, t.Root(), e, alloc)
	if err != asm.ErrNone {
		return err
	}
	if result.isImm {
		return e.MovImmToReg(dst, result.imm)
	}
	if result.reg == dst.RegName() {
		return asm.ErrNone
	}
	return e.MovRegToReg(dst, asm.Reg(result.reg))
}

func collectRegisterLeaves(t *Tree, idx uint32) []string {
	if t.IsLeaf(idx) {
		op := t.LeafValue(idx).Operand
		if op.Kind() == asm.KindPhysicalRegister {
			return []string{op.RegName()}
		}
		return nil
	}
	var out []string
	for _, c := range t.Children(idx) {
		out = append(out, collectRegisterLeaves(t, c)...)
	}
	return out
}

func linearizeNode(t *Tree, idx uint32, e *asm.Emitter, alloc *scratchAlloc) (value, asm.Error) {
	if t.IsLeaf(idx) {
		op := t.LeafValue(idx).Operand
		if op.Kind() == asm.KindImmediate {
			return value{imm: op.ImmValue(), isImm: true}, asm.ErrNone
		}
		if op.Kind() != asm.KindPhysicalRegister {
			return value{}, asm.ErrInvalidOperand // memory operands aren't legal inside an expanded subtree
		}
		return value{reg: op.RegName()}, asm.ErrNone
	}

	op := t.Op(idx)
	children := t.Children(idx)

	if op == exprtree.OpNot {
		v, err := linearizeNode(t, children[0], e, alloc)
		if err != asm.ErrNone {
			return value{}, err
		}
		dst := materializeToReg(v, e, alloc)
		if err := e.NotReg(asm.Reg(dst)); err != asm.ErrNone {
			return value{}, err
		}
		return value{reg: dst}, asm.ErrNone
	}

	if op == exprtree.OpMul {
		// The rewrite table only ever constructs mul(2, subtree); a
		// multiply by the constant 2 is emitted as a self-add (dst +=
		// dst), the same strength-reduction idiom this project's
		// optimizer names for power-of-two multiplication, without
		// needing a dedicated multiply instruction in internal/asm.
		left := t.LeafValue(children[0]).Operand
		if left.Kind() != asm.KindImmediate || left.ImmValue() != 2 {
			return value{}, asm.ErrInvalidOperand
		}
		rv, err := linearizeNode(t, children[1], e, alloc)
		if err != asm.ErrNone {
			return value{}, err
		}
		dst := materializeToReg(rv, e, alloc)
		if err := e.AddRegToReg(asm.Reg(dst), asm.Reg(dst)); err != asm.ErrNone {
			return value{}, err
		}
		return value{reg: dst}, asm.ErrNone
	}

	lv, err := linearizeNode(t, children[0], e, alloc)
	if err != asm.ErrNone {
		return value{}, err
	}
	dst := materializeToReg(lv, e, alloc)

	rv, err := linearizeNode(t, children[1], e, alloc)
	if err != asm.ErrNone {
		return value{}, err
	}

	if err := applyBinary(e, op, dst, rv, alloc); err != asm.ErrNone {
		return value{}, err
	}
	return value{reg: dst}, asm.ErrNone
}

// materializeToReg ensures v occupies a fresh scratch register (copying
// it there if it's already in one, since the destination of the next op
// must be ours to overwrite) and returns that register's name.
func materializeToReg(v value, e *asm.Emitter, alloc *scratchAlloc) string {
	dst := alloc.alloc()
	if v.isImm {
		e.MovImmToReg(asm.Reg(dst), v.imm)
	} else {
		e.MovRegToReg(asm.Reg(dst), asm.Reg(v.reg))
		alloc.freeIfScratch(v.reg)
	}
	return dst
}

func applyBinary(e *asm.Emitter, op exprtree.Op, dst string, rv value, alloc *scratchAlloc) asm.Error {
	d := asm.Reg(dst)
	if rv.isImm {
		switch op {
		case exprtree.OpAnd:
			return e.AndRegImm(d, rv.imm)
		case exprtree.OpOr:
			return e.OrRegImm(d, rv.imm)
		case exprtree.OpXor:
			return e.XorRegImm(d, rv.imm)
		case exprtree.OpSum:
			return e.AddRegImm(d, rv.imm)
		case exprtree.OpSub:
			return e.SubRegImm(d, rv.imm)
		default:
			return asm.ErrInvalidOperand
		}
	}
	r := asm.Reg(rv.reg)
	var err asm.Error
	switch op {
	case exprtree.OpAnd:
		err = e.AndRegToReg(d, r)
	case exprtree.OpOr:
		err = e.OrRegToReg(d, r)
	case exprtree.OpXor:
		err = e.XorRegToReg(d, r)
	case exprtree.OpSum:
		err = e.AddRegToReg(d, r)
	case exprtree.OpSub:
		err = e.SubRegToReg(d, r)
	default:
		return asm.ErrInvalidOperand
	}
	alloc.freeIfScratch(rv.reg)
	return err
}
